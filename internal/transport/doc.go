// Package transport supplies the raw byte links the session layer runs over.
//
// The protocol core treats the radio as an external collaborator: it only
// needs a way to send chunks of bytes, a channel of inbound chunks, and a
// signal when the link drops. Two concrete links are provided:
//
//   - WebSocket: a BLE bridge gateway relaying link bytes as binary messages
//   - Serial: a radio module attached over a local UART
//
// Each connect attempt dials a fresh Conn; a Conn whose receive channel has
// closed is dead and is never reused. Link loss is reported by closing the
// receive channel, mirroring how the session is expected to consume it.
package transport
