package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type radio bridges advertise
	ServiceType = "_tuyalink-bridge._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for bridge discovery
	DefaultScanTimeout = 10 * time.Second

	// DefaultPort is the default WebSocket port for bridges
	DefaultPort = 8632
)

// Scanner handles mDNS bridge discovery
type Scanner struct {
	// Timeout is the maximum time to wait for discovery
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// ScanForBridges discovers all radio bridges on the local network
func (s *Scanner) ScanForBridges() ([]*Bridge, error) {
	return s.ScanForBridgesWithContext(context.Background())
}

// ScanForBridgesWithContext discovers bridges with a custom context
func (s *Scanner) ScanForBridgesWithContext(ctx context.Context) ([]*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	bridges := make([]*Bridge, 0)
	collected := make(chan struct{})

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		defer close(collected)
		for entry := range entries {
			bridge := s.parseServiceEntry(entry)
			if bridge != nil {
				bridges = append(bridges, bridge)
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	<-collected

	return bridges, nil
}

// WaitForBridge waits for the bridge fronting a specific device UUID.
// Returns the bridge or an error if not found within the timeout.
func (s *Scanner) WaitForBridge(uuid string) (*Bridge, error) {
	return s.WaitForBridgeWithContext(context.Background(), uuid)
}

// WaitForBridgeWithContext waits for a specific bridge with a custom context
func (s *Scanner) WaitForBridgeWithContext(ctx context.Context, uuid string) (*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	bridgeChan := make(chan *Bridge, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			bridge := s.parseServiceEntry(entry)
			if bridge != nil && bridge.UUID == uuid {
				bridgeChan <- bridge
				cancel()
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case bridge := <-bridgeChan:
		return bridge, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge for device %s not found within timeout", uuid)
	}
}

// parseServiceEntry converts a zeroconf service entry to a Bridge.
// Returns nil when the entry lacks the uuid TXT record bridges always carry.
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Bridge {
	// Parse TXT records into metadata
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	uuid := metadata["uuid"]
	if uuid == "" {
		return nil
	}

	// Prefer IPv4
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

	return &Bridge{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         port,
		UUID:         uuid,
		DeviceID:     metadata["devid"],
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// ScanForBridges is a convenience function with a custom timeout
func ScanForBridges(timeout time.Duration) ([]*Bridge, error) {
	scanner := NewScanner()
	scanner.Timeout = timeout
	return scanner.ScanForBridges()
}

// FindBridge searches for a specific device's bridge with the default timeout
func FindBridge(uuid string) (*Bridge, error) {
	scanner := NewScanner()
	return scanner.WaitForBridge(uuid)
}
