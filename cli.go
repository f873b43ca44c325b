package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"beagle-sidecar/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("beagle-sidecar %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "friends":
		return cliFriends(dbPath)
	case "outcomes":
		return cliOutcomes(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	counts, _ := st.RouterDecisionCounts()
	blobs, _ := st.BlobCount()
	friendEvents, _ := st.FriendEventCount()

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Forwarded: %d\n", counts["forwarded"])
	fmt.Printf("Skipped replays: %d\n", counts["skipped_replay"])
	fmt.Printf("Dropped stale offline: %d\n", counts["dropped_stale_offline"])
	fmt.Printf("Media blobs: %d\n", blobs)
	fmt.Printf("Friend events: %d\n", friendEvents)
	return true
}

func cliFriends(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	events, err := st.RecentFriendEvents(cliRecentLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No friend events recorded.")
		return true
	}
	for _, e := range events {
		ts := time.Unix(e.CreatedAt, 0).Format(time.RFC3339)
		line := fmt.Sprintf("  %s %s %s", ts, e.Peer, e.Kind)
		if e.IP != "" {
			line += fmt.Sprintf(" (%s %s)", e.IP, e.Location)
		}
		fmt.Println(line)
	}
	return true
}

func cliOutcomes(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outcomes, err := st.RecentDispatchOutcomes(cliRecentLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(outcomes) == 0 {
		fmt.Println("No dispatch outcomes recorded.")
		return true
	}
	for _, o := range outcomes {
		result := "ok"
		if !o.OK {
			result = "failed: " + o.Reason
		}
		fmt.Printf("  [%d] %s -> %s mode=%s %s\n", o.ID, o.Op, o.Peer, o.Mode, result)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: beagle-sidecar settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "beagle-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
