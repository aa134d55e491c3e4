package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "empty payload",
			frame: Frame{Seq: 1, Code: CodeSessionOpen, Payload: nil},
		},
		{
			name:  "small payload",
			frame: Frame{Seq: 42, Code: CodeDatapointSet, Payload: []byte{0x01, 0x02, 0x03}},
		},
		{
			name:  "max sequence number",
			frame: Frame{Seq: 0xFFFFFFFF, Code: CodeDatapointRpt, Payload: []byte{0xAA}},
		},
		{
			name:  "max payload",
			frame: Frame{Seq: 7, Code: CodeDeviceInfoAck, Payload: bytes.Repeat([]byte{0x5A}, MaxPayloadSize)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(&tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			wantLen := HeaderSize + len(tt.frame.Payload) + CRCSize
			if len(raw) != wantLen {
				t.Errorf("Encode() produced %d bytes, want %d", len(raw), wantLen)
			}

			var dec Decoder
			dec.Write(raw)
			got, err := dec.Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if got == nil {
				t.Fatal("Next() = nil, want frame")
			}

			if got.Seq != tt.frame.Seq {
				t.Errorf("Seq = %d, want %d", got.Seq, tt.frame.Seq)
			}
			if got.Code != tt.frame.Code {
				t.Errorf("Code = %s, want %s", got.Code, tt.frame.Code)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Payload = %x, want %x", got.Payload, tt.frame.Payload)
			}
			if dec.Buffered() != 0 {
				t.Errorf("Buffered() = %d after full frame, want 0", dec.Buffered())
			}
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	frame := Frame{Seq: 1, Code: CodeDatapointSet, Payload: make([]byte, MaxPayloadSize+1)}

	_, err := Encode(&frame)
	if err == nil {
		t.Fatal("Encode() should reject oversized payload")
	}
	if !IsMalformedLengthError(err) {
		t.Errorf("Encode() error = %v, want malformed length", err)
	}
}

func TestDecoderChunkedReassembly(t *testing.T) {
	frame := Frame{Seq: 9, Code: CodeDatapointAck, Payload: []byte{0x10, 0x20, 0x30, 0x40}}
	raw, err := Encode(&frame)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Feed one byte at a time; Next must report incomplete until the last one
	var dec Decoder
	for i := 0; i < len(raw)-1; i++ {
		dec.Write(raw[i : i+1])
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() error = %v after %d bytes", err, i+1)
		}
		if got != nil {
			t.Fatalf("Next() returned a frame after %d of %d bytes", i+1, len(raw))
		}
	}

	dec.Write(raw[len(raw)-1:])
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got == nil {
		t.Fatal("Next() = nil after complete frame")
	}
	if got.Seq != frame.Seq || got.Code != frame.Code {
		t.Errorf("reassembled frame = %v, want %v", got, &frame)
	}
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	first, err := Encode(&Frame{Seq: 1, Code: CodeDatapointSet, Payload: []byte{0x01}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	second, err := Encode(&Frame{Seq: 2, Code: CodeDatapointAck, Payload: []byte{0x02}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var dec Decoder
	dec.Write(append(append([]byte{}, first...), second...))

	got1, err := dec.Next()
	if err != nil || got1 == nil {
		t.Fatalf("first Next() = (%v, %v), want frame", got1, err)
	}
	if got1.Seq != 1 {
		t.Errorf("first frame Seq = %d, want 1", got1.Seq)
	}

	got2, err := dec.Next()
	if err != nil || got2 == nil {
		t.Fatalf("second Next() = (%v, %v), want frame", got2, err)
	}
	if got2.Seq != 2 {
		t.Errorf("second frame Seq = %d, want 2", got2.Seq)
	}

	got3, err := dec.Next()
	if err != nil || got3 != nil {
		t.Errorf("third Next() = (%v, %v), want (nil, nil)", got3, err)
	}
}

func TestDecoderCorruptFrameThenValidFrame(t *testing.T) {
	corrupt, err := Encode(&Frame{Seq: 1, Code: CodeDatapointSet, Payload: []byte{0xDE, 0xAD}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Flip a payload bit so the CRC no longer matches
	corrupt[HeaderSize] ^= 0xFF

	valid, err := Encode(&Frame{Seq: 2, Code: CodeDatapointAck, Payload: []byte{0xBE, 0xEF}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var dec Decoder
	dec.Write(corrupt)
	dec.Write(valid)

	_, err = dec.Next()
	if err == nil {
		t.Fatal("Next() should report the corrupt frame")
	}
	if !IsChecksumError(err) {
		t.Errorf("Next() error = %v, want checksum error", err)
	}

	// The valid frame behind the corrupt one must still parse
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() after corrupt frame error = %v", err)
	}
	if got == nil {
		t.Fatal("Next() = nil, the frame after the corrupt one was lost")
	}
	if got.Seq != 2 || !bytes.Equal(got.Payload, []byte{0xBE, 0xEF}) {
		t.Errorf("recovered frame = %v, want seq 2", got)
	}
}

func TestDecoderMalformedLengthResetsBuffer(t *testing.T) {
	raw := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(raw[0:4], 1)
	binary.BigEndian.PutUint16(raw[4:6], uint16(CodeDatapointSet))
	binary.BigEndian.PutUint16(raw[6:8], MaxPayloadSize+1)

	var dec Decoder
	dec.Write(raw)
	dec.Write([]byte{0x01, 0x02, 0x03})

	_, err := dec.Next()
	if err == nil {
		t.Fatal("Next() should reject an impossible declared length")
	}
	if !IsMalformedLengthError(err) {
		t.Errorf("Next() error = %v, want malformed length", err)
	}

	// The frame boundary is untrustworthy, so everything must be gone
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after malformed length, want 0", dec.Buffered())
	}
}

func TestCodeString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeSessionOpen, "SessionOpen"},
		{CodeSessionOpened, "SessionOpened"},
		{CodeDeviceInfo, "DeviceInfo"},
		{CodeDeviceInfoAck, "DeviceInfoAck"},
		{CodeDatapointSet, "DatapointSet"},
		{CodeDatapointAck, "DatapointAck"},
		{CodeDatapointRpt, "DatapointReport"},
		{Code(0x00FF), "Unknown(0x00ff)"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("Code(%#04x).String() = %q, want %q", uint16(tt.code), got, tt.want)
		}
	}
}

func BenchmarkEncode(b *testing.B) {
	frame := Frame{Seq: 1, Code: CodeDatapointSet, Payload: bytes.Repeat([]byte{0x5A}, 64)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(&frame)
	}
}

func BenchmarkDecoderNext(b *testing.B) {
	raw, _ := Encode(&Frame{Seq: 1, Code: CodeDatapointSet, Payload: bytes.Repeat([]byte{0x5A}, 64)})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var dec Decoder
		dec.Write(raw)
		_, _ = dec.Next()
	}
}
