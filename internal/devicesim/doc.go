// Package devicesim implements the device side of the protocol: handshake
// replies, a datapoint table, acknowledgements and unsolicited reports. It
// runs over an in-process pipe for tests and over a WebSocket bridge for the
// simulate command, so the host stack can be exercised end to end without
// hardware.
package devicesim
