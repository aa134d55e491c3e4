// Package config provides user configuration management for the Tuyalink project.
//
// This package manages a YAML-based configuration file that stores paired
// device identities: their UUIDs, cloud device IDs, local keys, and transport
// endpoints, plus application preferences. The configuration follows
// OS-specific conventions for storage location.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/tuyalink/config.yaml or $HOME/.config/tuyalink/config.yaml
//   - macOS: $HOME/.config/tuyalink/config.yaml
//   - Windows: %LOCALAPPDATA%\tuyalink\config.yaml
//
// # Security
//
// IMPORTANT: local keys grant full control of the paired devices. The file
// and its directory are created with user-only permissions, and the file is
// written atomically so a crash cannot leave a truncated key on disk.
//
// # Usage Example
//
//	// Load the global registry
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Pair a device
//	registry.AddDevice("af4c9b2e11aa33bb", &config.Device{
//	    Name:     "desk-bot",
//	    DeviceID: "bf83c3a6d2e4f10a22bcde",
//	    LocalKey: "6a7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e",
//	    Endpoint: "ws://192.168.1.40:8632/",
//	})
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File operations are protected by a mutex to ensure atomic writes.
package config
