package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol frame constants
const (
	// HeaderSize is the fixed frame header size: seq(4) + code(2) + length(2)
	HeaderSize = 8

	// CRCSize is the trailing CRC-16 size
	CRCSize = 2

	// MaxPayloadSize is the maximum payload length the firmware accepts.
	// Lengths above this are rejected before any allocation.
	MaxPayloadSize = 1024
)

// Code identifies the command/type of a frame
type Code uint16

// Command codes (fixed wire contract)
const (
	CodeSessionOpen   Code = 0x0001 // host -> device, cleartext host nonce
	CodeSessionOpened Code = 0x0002 // device -> host, device nonce under auth key
	CodeDeviceInfo    Code = 0x0003 // host -> device, first authenticated round-trip
	CodeDeviceInfoAck Code = 0x0004 // device -> host
	CodeDatapointSet  Code = 0x0006 // host -> device, datapoint records
	CodeDatapointAck  Code = 0x0007 // device -> host, echoes request seq
	CodeDatapointRpt  Code = 0x0008 // device -> host, unsolicited status report
)

// String returns a human-readable name for a command code
func (c Code) String() string {
	switch c {
	case CodeSessionOpen:
		return "SessionOpen"
	case CodeSessionOpened:
		return "SessionOpened"
	case CodeDeviceInfo:
		return "DeviceInfo"
	case CodeDeviceInfoAck:
		return "DeviceInfoAck"
	case CodeDatapointSet:
		return "DatapointSet"
	case CodeDatapointAck:
		return "DatapointAck"
	case CodeDatapointRpt:
		return "DatapointReport"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint16(c))
	}
}

// Frame represents a single complete protocol unit.
//
// Wire layout (big-endian, fixed field order):
//
//	[0-3]   sequence number (uint32)
//	[4-5]   command code (uint16)
//	[6-7]   payload length (uint16)
//	[8+]    payload bytes
//	[last2] CRC-16-CCITT over all preceding bytes
type Frame struct {
	Seq     uint32
	Code    Code
	Payload []byte
}

// String returns a debug representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{seq=%d, code=%s, payload=%d bytes}",
		f.Seq, f.Code, len(f.Payload))
}

// Encode serializes the frame into its wire representation
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, NewMalformedLengthError(
			fmt.Sprintf("payload too large: %d bytes (max %d)", len(f.Payload), MaxPayloadSize))
	}

	buf := make([]byte, HeaderSize+len(f.Payload)+CRCSize)
	binary.BigEndian.PutUint32(buf[0:4], f.Seq)
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Code))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	crc := CalculateCRC(buf[:HeaderSize+len(f.Payload)])
	binary.BigEndian.PutUint16(buf[HeaderSize+len(f.Payload):], crc)

	return buf, nil
}

// Decoder reassembles frames from an incoming byte stream.
//
// The link layer may deliver a frame in arbitrary chunks, or several frames in
// one chunk. There is a single in-flight frame per direction, so the decoder
// keeps one reassembly buffer. Feed bytes with Write, then drain with Next
// until it reports an incomplete frame.
//
// Not safe for concurrent use; each session owns exactly one Decoder.
type Decoder struct {
	buf []byte
}

// Write appends received bytes to the reassembly buffer
func (d *Decoder) Write(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes awaiting reassembly
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all reassembly state
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next extracts the next complete frame from the reassembly buffer.
//
// Returns (nil, nil) when more bytes are needed. A ChecksumError discards
// exactly the corrupt frame and leaves any following bytes intact; a
// MalformedLengthError discards the whole buffer since the frame boundary
// can no longer be trusted. Both are non-fatal to the session.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	payloadLen := int(binary.BigEndian.Uint16(d.buf[6:8]))
	if payloadLen > MaxPayloadSize {
		d.Reset()
		return nil, NewMalformedLengthError(
			fmt.Sprintf("declared payload length %d exceeds maximum %d", payloadLen, MaxPayloadSize))
	}

	total := HeaderSize + payloadLen + CRCSize
	if len(d.buf) < total {
		return nil, nil
	}

	raw := d.buf[:total]
	want := binary.BigEndian.Uint16(raw[total-CRCSize:])
	got := CalculateCRC(raw[:total-CRCSize])
	if got != want {
		// Drop only the corrupt frame; bytes after it may hold a valid one
		d.buf = d.buf[total:]
		return nil, NewChecksumError(
			fmt.Sprintf("CRC mismatch: calculated 0x%04x, frame carries 0x%04x", got, want))
	}

	frame := &Frame{
		Seq:     binary.BigEndian.Uint32(raw[0:4]),
		Code:    Code(binary.BigEndian.Uint16(raw[4:6])),
		Payload: append([]byte(nil), raw[HeaderSize:HeaderSize+payloadLen]...),
	}
	d.buf = d.buf[total:]

	return frame, nil
}
