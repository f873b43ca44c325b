package main

import (
	"context"
	"log"
	"time"

	"beagle-sidecar/internal/events"
	"beagle-sidecar/internal/status"
)

// RunMetrics logs sidecar activity every interval until ctx is canceled.
// Quiet periods (nothing queued, no friends seen) log nothing.
func RunMetrics(ctx context.Context, tracker *status.Tracker, queue *events.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tracker.Snapshot()
			queued := queue.Len()
			if queued > 0 || snap.OnlineCount > 0 || snap.OfflineCount > 0 {
				log.Printf("[metrics] ready=%v connected=%v queued=%d online=%d offline=%d lastPeer=%s",
					snap.Ready, snap.Connected, queued,
					snap.OnlineCount, snap.OfflineCount, snap.LastPeer)
			}
		}
	}
}
