// Package logging provides structured logging for tuyalink.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the transport and protocol core. It provides both
// general logging functions and specialized functions for protocol-specific
// logging needs.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (hex dumps, frame parsing, sequence numbers)
//   - Info: Normal operations (connections, session state changes)
//   - Warn: Non-fatal issues (link drops, framing errors, retries)
//   - Error: Fatal issues (startup failures, critical errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Session ready",
//	    zap.String("device", "uuid1234"),
//	    zap.String("endpoint", "ws://bridge.local:6080"),
//	)
//
// # Specialized Logging
//
// The package provides domain-specific logging functions:
//
//	logging.LogLink(endpoint, "connected")
//	logging.LogFrame(device, "sent", seq, code, payloadLen)
//	logging.LogRawBytes("decoder input", chunk)
//
// # Configuration
//
// Logging is silent by default. Set TUYALINK_LOG_LEVEL or call Initialize
// with an explicit level:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
