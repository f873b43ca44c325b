package carrier

import (
	"context"
	"fmt"
	"time"
)

// RunTestPeer drives a Loopback transport with a slow, repeating stream of
// synthetic friend_message callbacks — useful for exercising the whole
// router/dispatcher pipeline without a real Carrier node. It blocks until
// ctx is canceled.
func RunTestPeer(ctx context.Context, lb *Loopback, peer string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	lb.InjectFriendConnection(peer, true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			text := fmt.Sprintf("test-peer tick %d", seq)
			lb.InjectFriendMessage(peer, []byte(text), time.Now().Unix(), false)
		}
	}
}
