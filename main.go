package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"beagle-sidecar/internal/carrier"
	"beagle-sidecar/internal/dispatch"
	"beagle-sidecar/internal/events"
	"beagle-sidecar/internal/filetransfer"
	"beagle-sidecar/internal/httpapi"
	"beagle-sidecar/internal/model"
	"beagle-sidecar/internal/prefcache"
	"beagle-sidecar/internal/presence"
	"beagle-sidecar/internal/projection"
	"beagle-sidecar/internal/router"
	"beagle-sidecar/internal/state"
	"beagle-sidecar/internal/status"
	"beagle-sidecar/store"
)

// Version is reported by the version subcommand and the status CLI.
const Version = "0.1.0"

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in serve mode).
		cliDB := "beagle.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", "127.0.0.1:7777", "loopback HTTP API listen address")
	dataDir := flag.String("data-dir", "beagle-data", "directory for profile, media, and state files")
	dbPath := flag.String("db", "beagle.db", "SQLite database path")
	carrierAddr := flag.String("carrier-addr", "", "Carrier node WebTransport URL (e.g. https://127.0.0.1:33445/carrier)")
	token := flag.String("token", "", "bearer token required by the HTTP API (empty disables the gate)")
	mysqlDSN := flag.String("mysql-dsn", "", "MySQL projection DSN (empty disables; beagle_db.json may also supply one)")
	testPeer := flag.String("test-peer", "", "name for a virtual test peer emitting synthetic messages on an in-memory transport (empty to disable)")
	flag.Parse()
	applyConfigFile()

	// A relative data dir is resolved under BEAGLE_SDK_ROOT when set, so the
	// sidecar can live beside the Carrier SDK checkout it fronts.
	resolvedDataDir := *dataDir
	if root := os.Getenv("BEAGLE_SDK_ROOT"); root != "" && !filepath.IsAbs(resolvedDataDir) {
		resolvedDataDir = filepath.Join(root, resolvedDataDir)
	}

	// The one fatal startup condition: no transport to front.
	if *carrierAddr == "" && *testPeer == "" {
		log.Fatal("[main] missing transport config: set -carrier-addr (or -test-peer for a local loopback)")
	}

	files, err := state.NewFiles(resolvedDataDir)
	if err != nil {
		log.Fatalf("[state] %v", err)
	}

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	profile, err := files.LoadProfile()
	if err != nil {
		log.Fatalf("[state] load profile: %v", err)
	}
	if profile.WelcomeMessage == "" {
		profile.WelcomeMessage = "Welcome to beagle chat!"
	}
	if profile.Profile.StartedAt == 0 {
		profile.Profile.StartedAt = time.Now().Unix()
	}

	dbcfg, err := files.LoadDBConfig()
	if err != nil {
		log.Fatalf("[state] load db config: %v", err)
	}
	dsn := *mysqlDSN
	if dsn == "" {
		dsn = dbcfg.MySQLDSN
	}

	var sink *projection.Sink
	if dsn != "" {
		sink, err = projection.Open(dsn)
		if err != nil {
			// The projection is an optional sink; the core runs without it.
			log.Printf("[projection] disabled: %v", err)
			sink = nil
		} else {
			defer sink.Close()
			log.Printf("[projection] mysql sink connected")
		}
	}

	welcomed, err := state.LoadWelcomedPeers(resolvedDataDir)
	if err != nil {
		log.Fatalf("[state] load welcomed peers: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transport: a real Carrier link, or the in-memory loopback when running
	// against the virtual test peer.
	var transport carrier.Transport
	var loopback *carrier.Loopback
	if *testPeer != "" {
		loopback = carrier.NewLoopback("test-user", "test-address")
		transport = loopback
	} else {
		transport = carrier.NewLink(carrier.Endpoint{Addr: *carrierAddr, ReconnectEnable: true})
	}
	defer transport.Stop()

	tracker := status.New()
	queue := events.New()
	prefs := prefcache.New()

	// deliver is the single sink for normalized inbound events, shared by the
	// router and the filetransfer receiver.
	deliver := func(msg model.IncomingMessage) {
		tracker.MessageFrom(msg.Peer)
		if msg.MediaPath != "" {
			if _, err := st.InsertBlob(msg.Peer, msg.FileName, msg.MediaType, msg.MediaPath, int64(msg.Size)); err != nil {
				log.Printf("[store] insert blob: %v", err)
			}
		}
		if sink != nil {
			sink.RecordForwarded(msg)
		}
		queue.Append(msg)
	}

	ftManager := filetransfer.NewManager(transport, files.MediaPath(),
		envMS("BEAGLE_FILETRANSFER_WAIT_MS"), envMS("BEAGLE_FILETRANSFER_SEND_WAIT_MS"), deliver)

	rt := router.New(files.MediaPath(), prefs, deliver, files.AuditLogPath())
	defer rt.Close()
	rt.SetOnDecision(func(peer, action, kind string) {
		if err := st.InsertRouterDecision(peer, action, kind); err != nil {
			log.Printf("[store] insert router decision: %v", err)
		}
	})

	friends := presence.New(newLocator(dbcfg), func(e presence.Event) {
		line := "friend " + e.Friend.FriendID + " " + e.Kind
		if e.IP != "" {
			line += " (" + e.IP + " " + e.Location + ")"
		}
		if err := files.AppendFriendEvent(line); err != nil {
			log.Printf("[state] append friend event: %v", err)
		}
		if err := st.InsertFriendEvent(e.Friend.FriendID, e.Kind, e.Friend.Name, e.IP, e.Location); err != nil {
			log.Printf("[store] insert friend event: %v", err)
		}
		if sink != nil {
			sink.RecordFriendEvent(e)
			sink.UpsertFriend(e.Friend)
		}
	})

	dispatcher := dispatch.New(transport, friends, prefs, ftManager)
	dispatcher.SetOnOutcome(func(op, peer string, mode dispatch.Mode, ok bool, reason string) {
		if err := st.InsertDispatchOutcome(op, peer, string(mode), ok, reason); err != nil {
			log.Printf("[store] insert dispatch outcome: %v", err)
		}
	})

	// welcome greets a peer exactly once, off the transport loop thread.
	welcome := func(peer string) {
		fresh, err := welcomed.MarkWelcomed(peer)
		if err != nil {
			log.Printf("[state] persist welcomed peer: %v", err)
		}
		if !fresh || profile.WelcomeMessage == "" {
			return
		}
		go dispatcher.SendText(peer, profile.WelcomeMessage)
	}

	callbacks := carrier.Callbacks{
		ConnectionStatus: func(connected bool) {
			tracker.SetConnected(connected)
			log.Printf("[carrier] connection status: %v", connected)
		},
		Ready: func() {
			tracker.SetReady(true)
			log.Printf("[carrier] ready, userid=%s", transport.UserID())
			go syncSelfProfile(transport, files, &profile)
		},
		FriendConnection: func(peer string, online bool) {
			tracker.FriendConnection(peer, online, time.Now().Unix())
			friends.Connection(peer, online)
			if online {
				welcome(peer)
			}
			writeFriendProjection(files, friends)
		},
		FriendInfo:     func(info carrier.FriendInfo) { friends.Upsert(friendState(info)); writeFriendProjection(files, friends) },
		FriendAdded:    func(info carrier.FriendInfo) { friends.Upsert(friendState(info)); writeFriendProjection(files, friends) },
		FriendPresence: friends.Presence,
		FriendMessage:  rt.Route,
		FriendRequest: func(peer string) {
			if err := transport.AcceptFriend(peer); err != nil {
				log.Printf("[carrier] accept friend %s: %v", peer, err)
				return
			}
			welcome(peer)
		},
		FriendInvite: func(peer string, data []byte) {
			log.Printf("[carrier] friend invite from %s (%d bytes)", peer, len(data))
		},
		FriendList: func(list []carrier.FriendInfo) {
			for _, info := range list {
				friends.Upsert(friendState(info))
			}
			writeFriendProjection(files, friends)
		},
		FiletransferConnect: ftManager.OnFiletransferConnect,
		StateChanged:        ftManager.OnStateChanged,
		File:                ftManager.OnFile,
		Pull:                ftManager.OnPull,
		Data:                ftManager.OnData,
		Cancel:              ftManager.OnCancel,
	}

	if err := transport.Start(ctx, callbacks); err != nil {
		log.Fatalf("[carrier] %v", err)
	}

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	// Start metrics logging.
	go RunMetrics(ctx, tracker, queue, metricsInterval)

	// Periodically optimize SQLite query planner.
	go func() {
		ticker := time.NewTicker(storeOptimizeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.Printf("[store] optimize: %v", err)
				}
			}
		}
	}()

	// Start the virtual test peer if configured.
	if loopback != nil && *testPeer != "" {
		go carrier.RunTestPeer(ctx, loopback, *testPeer, testPeerInterval)
	}

	api := httpapi.New(transport, tracker, queue, dispatcher, st, *token)
	log.Printf("[api] listening on %s", *addr)
	if err := api.Run(ctx, *addr); err != nil {
		log.Fatalf("[api] %v", err)
	}
}

// applyConfigFile reads the optional BEAGLE_CONFIG JSON file (a flat object
// mapping flag names to values) and applies any entry the command line did
// not set explicitly — flags win on conflict.
func applyConfigFile() {
	path := os.Getenv("BEAGLE_CONFIG")
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("[config] read %s: %v", path, err)
	}
	var cfg map[string]string
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("[config] parse %s: %v", path, err)
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for name, value := range cfg {
		if explicit[name] {
			continue
		}
		if err := flag.Set(name, value); err != nil {
			log.Printf("[config] ignoring %q: %v", name, err)
		}
	}
}

// envMS parses a millisecond count from the environment; zero means "use the
// built-in default" downstream.
func envMS(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] bad %s=%q: %v", name, v, err)
		return 0
	}
	return ms
}

// newLocator picks the presence annotator: a crawler index when one is
// configured, else the /proc TCP-connection fallback.
func newLocator(cfg state.DBConfig) presence.Locator {
	if cfg.CrawlerIndexURL != "" {
		refresh := time.Duration(cfg.CrawlerRefreshSeconds) * time.Second
		return presence.NewCrawlerIndex(refresh, fetchCrawlerIndex(cfg.CrawlerIndexURL))
	}
	return presence.NewTCPConnLocator()
}

// fetchCrawlerIndex returns a refresh func that GETs the crawler index URL
// and decodes it as a flat peer-id -> IP JSON object.
func fetchCrawlerIndex(url string) func() (map[string]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	return func() (map[string]string, error) {
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("crawler index: http %d", resp.StatusCode)
		}
		var index map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
			return nil, err
		}
		return index, nil
	}
}

func friendState(info carrier.FriendInfo) presence.FriendState {
	return presence.FriendState{
		FriendID:    info.FriendID,
		Name:        info.Name,
		Gender:      info.Gender,
		Phone:       info.Phone,
		Email:       info.Email,
		Description: info.Description,
		Region:      info.Region,
		Label:       info.Label,
		Status:      info.Status,
		Presence:    info.Presence,
	}
}

func writeFriendProjection(files *state.Files, friends *presence.Tracker) {
	if err := files.WriteFriendState(friends.Snapshot()); err != nil {
		log.Printf("[state] write friend state: %v", err)
	}
}

// syncSelfProfile pushes the persisted self record to the transport and
// mirrors the transport's identity back into the profile file.
func syncSelfProfile(transport carrier.Transport, files *state.Files, profile *state.Profile) {
	if err := transport.SetSelfInfo(carrier.SelfInfo{
		Name:        profile.Profile.Name,
		Gender:      profile.Profile.Gender,
		Phone:       profile.Profile.Phone,
		Email:       profile.Profile.Email,
		Description: profile.Profile.Description,
		Region:      profile.Profile.Region,
	}); err != nil {
		log.Printf("[carrier] set self info: %v", err)
	}

	profile.Profile.CarrierUserID = transport.UserID()
	profile.Profile.CarrierAddress = transport.Address()
	if err := files.SaveProfile(*profile); err != nil {
		log.Printf("[state] save profile: %v", err)
	}
}
