package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muurk/tuyalink/internal/cipher"
	"github.com/muurk/tuyalink/internal/config"
	"github.com/muurk/tuyalink/internal/devicesim"
	"github.com/muurk/tuyalink/internal/discovery"
	"github.com/muurk/tuyalink/internal/dispatch"
	"github.com/muurk/tuyalink/internal/protocol"
	"github.com/muurk/tuyalink/internal/sequence"
	"github.com/muurk/tuyalink/internal/session"
	"github.com/muurk/tuyalink/internal/transport"
)

// Command flags
var (
	endpointFlag   string
	scanTimeout    int
	connectTimeout int

	addName     string
	addDeviceID string
	addEndpoint string
	addVersion  int

	getTimeout int

	pressDP      int
	pressHold    time.Duration
	pressRepeats int
	pressForever bool

	simAddr     string
	simUUID     string
	simDeviceID string
	simKey      string
	simVersion  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "Transport endpoint (ws://host:port/ or serial:/dev/ttyUSB0), overrides the registry")
	rootCmd.PersistentFlags().IntVar(&connectTimeout, "connect-timeout", 30, "Seconds to wait for the session to become ready")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pressCmd)
	rootCmd.AddCommand(simulateCmd)

	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
}

// discoverCmd scans for radio bridges on the network
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan for radio bridges on the network",
	Long: `Scan for radio bridges using mDNS/DNS-SD discovery.

Bridges front one device each and advertise its UUID in their TXT records.
Pair a discovered device with 'tuyalink device add'.`,
	Example: `  # Scan for 10 seconds (default)
  tuyalink discover

  # Quick 3-second scan
  tuyalink discover --timeout 3`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Scan timeout in seconds")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	fmt.Printf("Scanning for bridges (timeout: %ds)...\n\n", scanTimeout)

	bridges, err := discovery.ScanForBridges(time.Duration(scanTimeout) * time.Second)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(bridges) == 0 {
		fmt.Println("No bridges found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Ensure the bridge is powered on and on the same network")
		fmt.Println("  - Try increasing --timeout for slower networks")
		fmt.Println("  - Use --endpoint to dial a bridge directly if discovery fails")
		return nil
	}

	fmt.Printf("Found %d bridge(s):\n\n", len(bridges))
	for i, b := range bridges {
		fmt.Printf("%d. %s\n", i+1, b.Instance)
		fmt.Printf("   Device UUID: %s\n", b.UUID)
		if b.DeviceID != "" {
			fmt.Printf("   Device ID:   %s\n", b.DeviceID)
		}
		fmt.Printf("   Endpoint:    %s\n", b.Endpoint())
		fmt.Println()
	}

	fmt.Println("Use 'tuyalink device add <uuid>' to pair a device")
	return nil
}

// deviceCmd groups registry management subcommands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage paired devices",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add <uuid>",
	Short: "Pair a device into the local registry",
	Long: `Pair a device by storing its identity in the local registry.

The local key is prompted without echo; it is the 16-byte key (32 hex
characters) issued when the device was provisioned with the vendor account.`,
	Example: `  tuyalink device add af4c9b2e11aa33bb --name desk-bot \
      --device-id bf83c3a6d2e4f10a22bcde --bridge ws://192.168.1.40:8632/`,
	Args: cobra.ExactArgs(1),
	RunE: runDeviceAdd,
}

func init() {
	deviceAddCmd.Flags().StringVar(&addName, "name", "", "Friendly name for the device")
	deviceAddCmd.Flags().StringVar(&addDeviceID, "device-id", "", "Cloud device ID")
	deviceAddCmd.Flags().StringVar(&addEndpoint, "bridge", "", "Transport endpoint the device is reachable through")
	deviceAddCmd.Flags().IntVar(&addVersion, "protocol-version", int(config.DefaultProtocolVersion), "Protocol version the device speaks")
}

func runDeviceAdd(cmd *cobra.Command, args []string) error {
	uuid := args[0]

	registry, err := config.LoadRegistry()
	if err != nil {
		return err
	}

	fmt.Print("Local key (hex, not echoed): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read local key: %w", err)
	}

	dev := &config.Device{
		Name:            addName,
		DeviceID:        addDeviceID,
		LocalKey:        strings.TrimSpace(string(keyBytes)),
		ProtocolVersion: byte(addVersion),
		Endpoint:        addEndpoint,
	}
	if _, err := dev.Key(); err != nil {
		return err
	}

	registry.AddDevice(uuid, dev)
	if err := registry.Save(); err != nil {
		return err
	}

	fmt.Printf("✓ Paired device %s", uuid)
	if addName != "" {
		fmt.Printf(" (%s)", addName)
	}
	fmt.Println()
	return nil
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := config.LoadRegistry()
		if err != nil {
			return err
		}

		if len(registry.Devices) == 0 {
			fmt.Println("No paired devices. Use 'tuyalink device add' to pair one.")
			return nil
		}

		for uuid, dev := range registry.Devices {
			name := dev.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %s\n", uuid, name)
			if dev.DeviceID != "" {
				fmt.Printf("    Device ID: %s\n", dev.DeviceID)
			}
			if dev.Endpoint != "" {
				fmt.Printf("    Endpoint:  %s\n", dev.Endpoint)
			}
			if !dev.LastSeen.IsZero() {
				fmt.Printf("    Last seen: %s\n", dev.LastSeen.Format(time.RFC3339))
			}
		}
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove <device>",
	Short: "Remove a paired device from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := config.LoadRegistry()
		if err != nil {
			return err
		}
		uuid, dev := registry.FindDevice(args[0])
		if dev == nil {
			return fmt.Errorf("device %q is not paired", args[0])
		}
		registry.RemoveDevice(uuid)
		if err := registry.Save(); err != nil {
			return err
		}
		fmt.Printf("✓ Removed device %s\n", uuid)
		return nil
	},
}

// setCmd writes datapoints
var setCmd = &cobra.Command{
	Use:   "set <device> <dp-id> <type> <value>",
	Short: "Set a datapoint and wait for the acknowledgement",
	Long: `Set one datapoint on a device.

Types and value formats:
  bool    true/false
  value   signed integer
  enum    unsigned integer 0-255
  bitmap  unsigned integer
  string  UTF-8 text
  raw     hex bytes`,
	Example: `  # Switch datapoint 101 on
  tuyalink set desk-bot 101 bool true

  # Set target position to 80
  tuyalink set desk-bot 102 value 80`,
	Args: cobra.ExactArgs(4),
	RunE: runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	dp, err := parseDatapoint(args[1], args[2], args[3])
	if err != nil {
		return err
	}

	disp, cleanup, err := openDispatcher(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(connectTimeout)*time.Second)
	defer cancel()

	acked, err := disp.Set(ctx, []protocol.Datapoint{dp})
	if err != nil {
		return fmt.Errorf("set failed: %w", err)
	}

	for _, a := range acked {
		fmt.Printf("✓ %s\n", formatDatapoint(a))
	}
	return nil
}

// getCmd reads a datapoint from the device's next report. The protocol has
// no request/read operation; devices push their state unsolicited, typically
// right after the session opens.
var getCmd = &cobra.Command{
	Use:   "get <device> <dp-id>",
	Short: "Wait for the device to report a datapoint",
	Example: `  # Read the battery datapoint
  tuyalink get desk-bot 105`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func init() {
	getCmd.Flags().IntVar(&getTimeout, "timeout", 15, "Seconds to wait for a report")
}

func runGet(cmd *cobra.Command, args []string) error {
	id64, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid datapoint id: %w", err)
	}
	wantID := byte(id64)

	disp, cleanup, err := openDispatcher(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	found := make(chan protocol.Datapoint, 1)
	unsubscribe := disp.Subscribe(func(dps []protocol.Datapoint) {
		for _, dp := range dps {
			if dp.ID == wantID {
				select {
				case found <- dp:
				default:
				}
				return
			}
		}
	})
	defer unsubscribe()

	select {
	case dp := <-found:
		fmt.Println(formatDatapoint(dp))
		return nil
	case <-time.After(time.Duration(getTimeout) * time.Second):
		return fmt.Errorf("device did not report datapoint %d within %ds", wantID, getTimeout)
	}
}

// watchCmd streams reports until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch <device>",
	Short: "Stream datapoint reports until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	disp, cleanup, err := openDispatcher(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	unsubscribe := disp.Subscribe(func(dps []protocol.Datapoint) {
		stamp := time.Now().Format("15:04:05.000")
		for _, dp := range dps {
			fmt.Printf("%s  %s\n", stamp, formatDatapoint(dp))
		}
	})
	defer unsubscribe()

	fmt.Println("Watching for reports, Ctrl-C to stop...")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

// pressCmd runs the canned press action: drive a switch datapoint high, hold,
// release, and park it low again even when interrupted
var pressCmd = &cobra.Command{
	Use:   "press <device>",
	Short: "Run a timed press action on a switch datapoint",
	Example: `  # 300ms press on datapoint 101
  tuyalink press desk-bot

  # Three 1-second presses on datapoint 2
  tuyalink press desk-bot --dp 2 --hold 1s --repeats 3

  # Press repeatedly until Ctrl-C
  tuyalink press desk-bot --forever`,
	Args: cobra.ExactArgs(1),
	RunE: runPress,
}

func init() {
	pressCmd.Flags().IntVar(&pressDP, "dp", 101, "Switch datapoint ID")
	pressCmd.Flags().DurationVar(&pressHold, "hold", 300*time.Millisecond, "How long to hold the press")
	pressCmd.Flags().IntVar(&pressRepeats, "repeats", 1, "Number of presses")
	pressCmd.Flags().BoolVar(&pressForever, "forever", false, "Keep pressing until interrupted")
}

func runPress(cmd *cobra.Command, args []string) error {
	disp, cleanup, err := openDispatcher(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	idle := protocol.NewBool(byte(pressDP), false)
	action := sequence.Action{
		Steps: []sequence.Step{
			{Value: protocol.NewBool(byte(pressDP), true), Hold: pressHold},
			{Value: protocol.NewBool(byte(pressDP), false), Hold: 0},
		},
		Repeats: pressRepeats,
		Forever: pressForever,
		Idle:    &idle,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := sequence.NewRunner(disp)
	handle, err := runner.Run(ctx, action)
	if err != nil {
		return err
	}

	<-handle.Done()
	if err := handle.Err(); err != nil {
		return fmt.Errorf("press failed: %w", err)
	}
	fmt.Println("✓ Press complete")
	return nil
}

// simulateCmd runs a device simulator for development without hardware
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated device behind a WebSocket bridge endpoint",
	Long: `Run a simulated device for development without hardware.

The simulator answers the handshake, applies datapoint sets to an in-memory
table and acknowledges them. Pair it like a real device, using the same key
passed here.`,
	Example: `  tuyalink simulate --addr :8632 --key 6a7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e`,
	RunE:    runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simAddr, "addr", ":8632", "Listen address")
	simulateCmd.Flags().StringVar(&simUUID, "uuid", "simdevice0000001", "Simulated device UUID")
	simulateCmd.Flags().StringVar(&simDeviceID, "device-id", "simcloudid000000000001", "Simulated cloud device ID")
	simulateCmd.Flags().StringVar(&simKey, "key", "", "Local key (hex, 32 chars); required")
	simulateCmd.Flags().IntVar(&simVersion, "protocol-version", int(config.DefaultProtocolVersion), "Protocol version")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simKey == "" {
		return fmt.Errorf("--key is required")
	}
	key, err := parseKey(simKey)
	if err != nil {
		return err
	}

	sim := devicesim.New(devicesim.Options{
		UUID:            simUUID,
		DeviceID:        simDeviceID,
		LocalKey:        key,
		ProtocolVersion: byte(simVersion),
		Datapoints: []protocol.Datapoint{
			protocol.NewBool(101, false),
		},
	})
	srv := devicesim.NewServer(sim, simAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("Simulated device %s listening on %s, Ctrl-C to stop...\n", simUUID, simAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// openDispatcher resolves a device reference, dials its transport and waits
// for the session to become ready. The cleanup function tears the whole
// stack down.
func openDispatcher(ref string) (*dispatch.Dispatcher, func(), error) {
	registry, err := config.LoadRegistry()
	if err != nil {
		return nil, nil, err
	}

	uuid, dev := registry.FindDevice(ref)
	if dev == nil {
		return nil, nil, fmt.Errorf("device %q is not paired; use 'tuyalink device add'", ref)
	}

	key, err := dev.Key()
	if err != nil {
		return nil, nil, err
	}

	endpoint := endpointFlag
	if endpoint == "" {
		endpoint = dev.Endpoint
	}
	if endpoint == "" && registry.Preferences != nil && registry.Preferences.AutoDiscover {
		fmt.Printf("No endpoint configured for %s, discovering bridge...\n", uuid)
		scanner := discovery.NewScanner()
		if registry.Preferences.DiscoverTimeout > 0 {
			scanner.Timeout = time.Duration(registry.Preferences.DiscoverTimeout) * time.Second
		}
		bridge, err := scanner.WaitForBridge(uuid)
		if err != nil {
			return nil, nil, err
		}
		endpoint = bridge.Endpoint()
	}
	if endpoint == "" {
		return nil, nil, fmt.Errorf("no endpoint for device %s; pass --endpoint or enable auto_discover", uuid)
	}

	dialer, err := transport.NewDialer(endpoint)
	if err != nil {
		return nil, nil, err
	}

	version := dev.ProtocolVersion
	if version == 0 {
		version = config.DefaultProtocolVersion
	}

	sess := session.New(session.Options{
		Identity: session.Identity{
			UUID:            uuid,
			DeviceID:        dev.DeviceID,
			LocalKey:        key,
			ProtocolVersion: version,
		},
		Dialer: dialer,
	})
	disp := dispatch.New(dispatch.Options{Session: sess})

	cleanup := func() {
		_ = disp.Close()
		_ = sess.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(connectTimeout)*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to connect to %s at %s: %w", uuid, endpoint, err)
	}

	registry.UpdateDeviceLastSeen(uuid)
	if err := registry.Save(); err != nil {
		// Connection works; a stale timestamp is not worth failing for
		fmt.Fprintf(os.Stderr, "warning: could not update registry: %v\n", err)
	}

	return disp, cleanup, nil
}

// parseDatapoint builds a typed datapoint record from command arguments
func parseDatapoint(idStr, typeStr, valueStr string) (protocol.Datapoint, error) {
	var dp protocol.Datapoint

	id64, err := strconv.ParseUint(idStr, 10, 8)
	if err != nil {
		return dp, fmt.Errorf("invalid datapoint id: %w", err)
	}
	id := byte(id64)

	switch strings.ToLower(typeStr) {
	case "bool":
		v, err := strconv.ParseBool(valueStr)
		if err != nil {
			return dp, fmt.Errorf("invalid bool value (use true/false): %w", err)
		}
		return protocol.NewBool(id, v), nil

	case "value":
		v, err := strconv.ParseInt(valueStr, 10, 32)
		if err != nil {
			return dp, fmt.Errorf("invalid integer value: %w", err)
		}
		return protocol.NewValue(id, v, 4)

	case "enum":
		v, err := strconv.ParseUint(valueStr, 10, 8)
		if err != nil {
			return dp, fmt.Errorf("invalid enum value (0-255): %w", err)
		}
		return protocol.NewEnum(id, byte(v)), nil

	case "bitmap":
		v, err := strconv.ParseUint(valueStr, 10, 32)
		if err != nil {
			return dp, fmt.Errorf("invalid bitmap value: %w", err)
		}
		bits := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		return protocol.NewBitmap(id, bits), nil

	case "string":
		return protocol.NewString(id, valueStr), nil

	case "raw":
		raw, err := hex.DecodeString(valueStr)
		if err != nil {
			return dp, fmt.Errorf("invalid hex value: %w", err)
		}
		return protocol.NewRaw(id, raw), nil

	default:
		return dp, fmt.Errorf("unknown datapoint type %q (want bool, value, enum, bitmap, string or raw)", typeStr)
	}
}

// formatDatapoint renders a datapoint record for terminal output
func formatDatapoint(dp protocol.Datapoint) string {
	switch dp.Type {
	case protocol.DTBool:
		v, err := dp.Bool()
		if err == nil {
			return fmt.Sprintf("dp %d (bool) = %v", dp.ID, v)
		}
	case protocol.DTValue, protocol.DTEnum, protocol.DTBitmap:
		v, err := dp.Int()
		if err == nil {
			return fmt.Sprintf("dp %d (%s) = %d", dp.ID, dp.Type, v)
		}
	case protocol.DTString:
		return fmt.Sprintf("dp %d (string) = %q", dp.ID, dp.Value)
	}
	return fmt.Sprintf("dp %d (%s) = %s", dp.ID, dp.Type, hex.EncodeToString(dp.Value))
}

// parseKey decodes a 32-hex-character local key
func parseKey(s string) (cipher.Key, error) {
	var key cipher.Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(raw) != cipher.KeySize {
		return key, fmt.Errorf("key must be %d bytes (%d hex chars), got %d bytes", cipher.KeySize, cipher.KeySize*2, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
