package discovery

import (
	"fmt"
	"time"
)

// Bridge represents a discovered radio bridge on the local network. A bridge
// fronts one device and relays raw protocol frames over WebSocket.
type Bridge struct {
	// Instance is the mDNS instance name (e.g., "tuyalink-bridge-a1b2c3")
	Instance string

	// Hostname is the mDNS hostname
	Hostname string

	// IP is the IPv4 address
	IP string

	// Port is the WebSocket port
	Port int

	// UUID is the bridged device's UUID, from the TXT records
	UUID string

	// DeviceID is the bridged device's cloud ID, from the TXT records
	DeviceID string

	// Metadata contains the remaining mDNS TXT record data
	Metadata map[string]string

	// DiscoveredAt is when the bridge was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the bridge
func (b *Bridge) String() string {
	return fmt.Sprintf("Bridge %s for device %s at %s:%d", b.Instance, b.UUID, b.IP, b.Port)
}

// Endpoint returns the WebSocket endpoint for dialing the bridge
func (b *Bridge) Endpoint() string {
	return fmt.Sprintf("ws://%s:%d/", b.IP, b.Port)
}

// GetMetadata retrieves a TXT record value by key, or empty string if absent
func (b *Bridge) GetMetadata(key string) string {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata[key]
}
