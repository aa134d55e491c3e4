// Package protocol implements the device wire protocol: frame codec,
// datapoint codec and the error taxonomy shared by the transport core.
//
// # Frame Format
//
// Each protocol unit is a checksummed frame with a fixed big-endian header:
//   - Sequence number: 4 bytes
//   - Command code: 2 bytes
//   - Payload length: 2 bytes
//   - Payload: variable (encrypted for every code except the session handshake)
//   - CRC-16-CCITT: 2 bytes, computed over header and payload
//
// The checksum is validated before any decryption is attempted, and the
// declared payload length is validated before any allocation proportional to
// it. A corrupt frame is dropped and reassembly resets; framing errors are
// never fatal to the session by themselves.
//
// # Datapoint Format
//
// Decrypted set/report payloads carry a sequence of datapoint records:
//   - Datapoint ID: 1 byte
//   - Type tag: 1 byte (raw, bool, value, string, enum, bitmap)
//   - Value length: 1 byte
//   - Value: variable
//
// Records are unordered among each other; each record's internal field order
// is fixed. The codec is type-ID-agnostic: mapping IDs to semantic meaning is
// owned by the device schema layer, not by this package.
//
// # Usage Example
//
//	payload, _ := protocol.EncodeDatapoints([]protocol.Datapoint{
//	    protocol.NewBool(2, true),
//	})
//	raw, _ := protocol.Encode(&protocol.Frame{Seq: 1, Code: protocol.CodeDatapointSet, Payload: payload})
//
//	var dec protocol.Decoder
//	dec.Write(raw)
//	frame, err := dec.Next()
package protocol
