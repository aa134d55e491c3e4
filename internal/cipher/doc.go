// Package cipher implements session key derivation and payload encryption
// for the device protocol.
//
// Every device carries a static 16-byte local key obtained once from the
// vendor cloud. A short handshake exchanges a host nonce and a device nonce;
// both sides independently derive the same per-session key by encrypting a
// fixed-layout block containing both nonces under the local key. The device's
// handshake reply itself is protected by an auth key derived from the local
// key alone.
//
// Payloads are padded to the cipher block size and sealed with an
// authenticated mode; decryption failures surface as AuthenticationError and
// never yield partial plaintext. A key mismatch (wrong local key) therefore
// manifests on the first real payload, which the session layer answers with a
// full reconnect and fresh nonces.
package cipher
