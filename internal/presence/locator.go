package presence

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CarrierPort is the well-known port the Carrier transport listens on;
// established connections on this port are used as a best-effort signal for
// locating a peer when no crawler index is available.
const CarrierPort = 33445

// Locator annotates a peer with a best-effort IP and location class. Both
// return values may be empty — the core must behave identically with the
// locator disabled.
type Locator interface {
	Locate(peer string) (ip, location string)
}

// NoopLocator always returns empty strings.
type NoopLocator struct{}

func (NoopLocator) Locate(string) (string, string) { return "", "" }

// ClassifyIP buckets an IP address into the five location classes the
// presence tracker reports.
func ClassifyIP(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast() && addr.To4() == nil:
		return "link-local-ipv6"
	case addr.IsPrivate():
		if addr.To4() == nil {
			return "private-network-ipv6"
		}
		return "private-network"
	default:
		return "public-network"
	}
}

// CrawlerIndex is a pluggable peer-id -> IP lookup, refreshed no more often
// than refreshInterval under its own mutex.
type CrawlerIndex struct {
	mu              sync.Mutex
	entries         map[string]string
	lastRefresh     time.Time
	refreshInterval time.Duration
	refresh         func() (map[string]string, error)
}

// NewCrawlerIndex constructs a crawler index. refreshInterval is clamped to
// at least 5 seconds, matching the resource table's floor.
func NewCrawlerIndex(refreshInterval time.Duration, refresh func() (map[string]string, error)) *CrawlerIndex {
	if refreshInterval < 5*time.Second {
		refreshInterval = 5 * time.Second
	}
	return &CrawlerIndex{entries: make(map[string]string), refreshInterval: refreshInterval, refresh: refresh}
}

// Locate looks peer up in the crawler index, refreshing it first if the
// refresh interval has elapsed.
func (c *CrawlerIndex) Locate(peer string) (string, string) {
	c.mu.Lock()
	if c.refresh != nil && time.Since(c.lastRefresh) >= c.refreshInterval {
		if fresh, err := c.refresh(); err == nil {
			c.entries = fresh
			c.lastRefresh = time.Now()
		}
	}
	ip := c.entries[peer]
	c.mu.Unlock()

	if ip == "" {
		return "", ""
	}
	return ip, ClassifyIP(ip)
}

// TCPConnLocator locates a peer by parsing established TCP connections whose
// local port is CarrierPort out of /proc/net/tcp — a Linux-specific,
// best-effort fallback for when no crawler index is configured. Rows are not
// filtered by owning process, only IPv4 rows are decoded, and no connection
// is attributed to a specific peer id, so Locate reports the remote address
// of the last matching row in table order, whatever peer is asked for.
type TCPConnLocator struct {
	procNetTCP string
}

// NewTCPConnLocator constructs a locator reading the standard /proc/net/tcp
// path.
func NewTCPConnLocator() *TCPConnLocator {
	return &TCPConnLocator{procNetTCP: "/proc/net/tcp"}
}

func (l *TCPConnLocator) Locate(string) (string, string) {
	ip := l.mostRecentEstablishedRemote()
	if ip == "" {
		return "", ""
	}
	return ip, ClassifyIP(ip)
}

func (l *TCPConnLocator) mostRecentEstablishedRemote() string {
	f, err := os.Open(l.procNetTCP)
	if err != nil {
		return ""
	}
	defer f.Close()

	const tcpEstablished = "01"
	var last string

	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		localPort, remoteIP, state := parseLocalPort(fields[1]), fields[2], fields[3]
		if state != tcpEstablished || localPort != CarrierPort {
			continue
		}
		if ip := decodeProcNetIP(remoteIP); ip != "" {
			last = ip
		}
	}
	return last
}

func parseLocalPort(hexAddr string) int {
	parts := strings.Split(hexAddr, ":")
	if len(parts) != 2 {
		return -1
	}
	port, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return -1
	}
	return int(port)
}

// decodeProcNetIP decodes /proc/net/tcp's little-endian hex "IP:PORT" remote
// address field into a dotted-quad (IPv4 only; IPv6 rows are skipped).
func decodeProcNetIP(hexAddr string) string {
	parts := strings.Split(hexAddr, ":")
	if len(parts) != 2 || len(parts[0]) != 8 {
		return ""
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil || len(raw) != 4 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", raw[3], raw[2], raw[1], raw[0])
}
