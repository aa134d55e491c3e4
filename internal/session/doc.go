// Package session owns the live connection to one device: link
// establishment, the authenticated handshake, state tracking, and automatic
// reconnect with exponential backoff.
//
// State machine:
//
//	Disconnected -> Connecting -> Handshaking -> Ready
//	Ready -> Reconnecting -> Handshaking   (link loss, integrity failure)
//	any   -> Disconnected                  (explicit Close)
//
// Exactly one connect attempt runs at a time; Connect calls made while an
// attempt is in flight coalesce into it. Every attempt builds a fresh link
// with fresh nonces and a fresh derived key; nothing carries over from the
// previous connection except the device identity. Ephemeral key material is
// wiped when the link is discarded.
//
// The session only moves frames; request ordering, correlation and timeouts
// belong to the dispatch package layered on top.
package session
