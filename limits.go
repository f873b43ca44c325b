package main

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.
const (
	// metricsInterval is how often the metrics goroutine logs sidecar
	// activity.
	metricsInterval = 5 * time.Second

	// storeOptimizeInterval is how often PRAGMA optimize runs against the
	// SQLite store.
	storeOptimizeInterval = 1 * time.Hour

	// testPeerInterval is the cadence of the virtual test peer's synthetic
	// messages.
	testPeerInterval = 5 * time.Second

	// cliRecentLimit is how many recent rows the friends/outcomes CLI
	// subcommands print.
	cliRecentLimit = 20
)
