package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/muurk/tuyalink/internal/cipher"
)

// Registry represents the entire user configuration file.
// It stores per-device credentials and application preferences.
type Registry struct {
	Version     int                `yaml:"version"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by device UUID
	Preferences *Preferences       `yaml:"preferences,omitempty"`
}

// Device represents one paired device: its cloud identity, the local key it
// was provisioned with, and the transport it is reachable through.
type Device struct {
	Name            string    `yaml:"name,omitempty"`             // User-friendly name
	DeviceID        string    `yaml:"device_id"`                  // Cloud device ID
	LocalKey        string    `yaml:"local_key"`                  // Hex-encoded 16-byte local key
	ProtocolVersion byte      `yaml:"protocol_version,omitempty"` // Defaults to 3
	Endpoint        string    `yaml:"endpoint,omitempty"`         // ws://, wss:// or serial: endpoint
	LastSeen        time.Time `yaml:"last_seen,omitempty"`        // Last successful connection time
}

// Key decodes the stored local key
func (d *Device) Key() (cipher.Key, error) {
	var key cipher.Key
	raw, err := hex.DecodeString(d.LocalKey)
	if err != nil {
		return key, fmt.Errorf("local key is not valid hex: %w", err)
	}
	if len(raw) != cipher.KeySize {
		return key, fmt.Errorf("local key must be %d bytes, got %d", cipher.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Preferences represents application-wide user preferences
type Preferences struct {
	AutoDiscover    bool `yaml:"auto_discover"`    // Resolve endpoints via mDNS when unset
	DiscoverTimeout int  `yaml:"discover_timeout"` // mDNS discovery timeout in seconds
}

// DefaultProtocolVersion is used when a device entry does not pin one
const DefaultProtocolVersion byte = 3

// NewRegistry creates a new Registry with default values
func NewRegistry() *Registry {
	return &Registry{
		Version: 1,
		Devices: make(map[string]*Device),
		Preferences: &Preferences{
			AutoDiscover:    true,
			DiscoverTimeout: 10,
		},
	}
}

// GetDevice retrieves a device entry by UUID.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(uuid string) *Device {
	return r.Devices[uuid]
}

// FindDevice resolves a name-or-UUID reference to a device entry.
// Names win when both match.
func (r *Registry) FindDevice(ref string) (string, *Device) {
	for uuid, dev := range r.Devices {
		if dev.Name == ref {
			return uuid, dev
		}
	}
	if dev, ok := r.Devices[ref]; ok {
		return ref, dev
	}
	return "", nil
}

// AddDevice adds or replaces a device entry
func (r *Registry) AddDevice(uuid string, dev *Device) {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}
	if dev.ProtocolVersion == 0 {
		dev.ProtocolVersion = DefaultProtocolVersion
	}
	r.Devices[uuid] = dev
}

// RemoveDevice deletes a device entry. Returns whether it existed.
func (r *Registry) RemoveDevice(uuid string) bool {
	if _, ok := r.Devices[uuid]; !ok {
		return false
	}
	delete(r.Devices, uuid)
	return true
}

// UpdateDeviceLastSeen stamps a successful connection
func (r *Registry) UpdateDeviceLastSeen(uuid string) {
	if dev, ok := r.Devices[uuid]; ok {
		dev.LastSeen = time.Now()
	}
}
