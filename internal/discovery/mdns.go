package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service ESPHome nodes advertise.
	ServiceType = "_esphomelib._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for proxy discovery
	DefaultScanTimeout = 10 * time.Second

	// DefaultPort is the ESPHome native API port
	DefaultPort = 6053
)

// Node is one ESPHome device found on the local network. Whether it
// actually runs a bluetooth proxy is visible in its TXT metadata on
// recent firmwares; older ones only reveal it on connection.
type Node struct {
	// Name is the mDNS instance name (the ESPHome node name).
	Name string

	// Hostname is the advertised host (e.g. "proxy-hallway.local.").
	Hostname string

	// IP is the preferred address (IPv4 when available).
	IP string

	// Port is the native API port.
	Port int

	// Metadata holds the TXT records (version, mac, platform, board).
	Metadata map[string]string

	// DiscoveredAt is when the entry was received.
	DiscoveredAt time.Time
}

// Scanner handles mDNS discovery of ESPHome nodes
type Scanner struct {
	// Timeout is the maximum time to wait for discovery
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan discovers all ESPHome nodes on the local network
func (s *Scanner) Scan() ([]*Node, error) {
	return s.ScanWithContext(context.Background())
}

// ScanWithContext discovers nodes with a custom context
func (s *Scanner) ScanWithContext(ctx context.Context) ([]*Node, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	nodes := make([]*Node, 0)
	collected := make(chan struct{})

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		defer close(collected)
		for entry := range entries {
			if node := parseServiceEntry(entry); node != nil {
				nodes = append(nodes, node)
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	<-collected

	return nodes, nil
}

// parseServiceEntry converts a zeroconf service entry to a Node.
// Returns nil for unusable entries.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Node {
	if entry == nil || entry.Instance == "" {
		return nil
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	return &Node{
		Name:         entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// Scan is a convenience function to discover nodes with a custom timeout
func Scan(timeout time.Duration) ([]*Node, error) {
	scanner := NewScanner()
	scanner.Timeout = timeout
	return scanner.Scan()
}
