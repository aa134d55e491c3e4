package protocol

import (
	"bytes"
	"testing"
)

func TestDatapointConstructorsAndAccessors(t *testing.T) {
	t.Run("bool", func(t *testing.T) {
		dp := NewBool(101, true)
		if dp.Type != DTBool {
			t.Errorf("Type = %s, want bool", dp.Type)
		}
		v, err := dp.Bool()
		if err != nil {
			t.Fatalf("Bool() error = %v", err)
		}
		if !v {
			t.Error("Bool() = false, want true")
		}

		off := NewBool(101, false)
		v, err = off.Bool()
		if err != nil || v {
			t.Errorf("Bool() = (%v, %v), want (false, nil)", v, err)
		}
	})

	t.Run("value widths", func(t *testing.T) {
		tests := []struct {
			v     int64
			width int
			want  []byte
		}{
			{0x12, 1, []byte{0x12}},
			{0x1234, 2, []byte{0x12, 0x34}},
			{0x12345678, 4, []byte{0x12, 0x34, 0x56, 0x78}},
			{255, 1, []byte{0xFF}},
		}
		for _, tt := range tests {
			dp, err := NewValue(30, tt.v, tt.width)
			if err != nil {
				t.Fatalf("NewValue(%d, %d) error = %v", tt.v, tt.width, err)
			}
			if !bytes.Equal(dp.Value, tt.want) {
				t.Errorf("NewValue(%d, %d).Value = %x, want %x", tt.v, tt.width, dp.Value, tt.want)
			}
			got, err := dp.Int()
			if err != nil {
				t.Fatalf("Int() error = %v", err)
			}
			if got != tt.v {
				t.Errorf("Int() = %d, want %d", got, tt.v)
			}
		}
	})

	t.Run("value out of range", func(t *testing.T) {
		if _, err := NewValue(30, 256, 1); err == nil {
			t.Error("NewValue(256, width 1) should fail")
		}
		if _, err := NewValue(30, 1, 3); err == nil {
			t.Error("NewValue with width 3 should fail")
		}
	})

	t.Run("string has no integer form", func(t *testing.T) {
		dp := NewString(5, "hi")
		if _, err := dp.Int(); err == nil {
			t.Error("Int() on a string datapoint should fail")
		}
	})

	t.Run("raw copies its input", func(t *testing.T) {
		src := []byte{0x01, 0x02}
		dp := NewRaw(9, src)
		src[0] = 0xFF
		if dp.Value[0] != 0x01 {
			t.Error("NewRaw() aliased the caller's slice")
		}
	})
}

func TestDatapointCodecRoundTrip(t *testing.T) {
	pos, err := NewValue(102, 80, 4)
	if err != nil {
		t.Fatalf("NewValue() error = %v", err)
	}

	in := []Datapoint{
		NewBool(101, true),
		pos,
		NewEnum(103, 2),
		NewBitmap(104, []byte{0x00, 0x05}),
		NewString(105, "mode-a"),
		NewRaw(106, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
	}

	payload, err := EncodeDatapoints(in)
	if err != nil {
		t.Fatalf("EncodeDatapoints() error = %v", err)
	}

	out, err := DecodeDatapoints(payload)
	if err != nil {
		t.Fatalf("DecodeDatapoints() error = %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("decoded %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if !out[i].Equal(in[i]) {
			t.Errorf("record %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeDatapointsEmptyPayload(t *testing.T) {
	dps, err := DecodeDatapoints(nil)
	if err != nil {
		t.Fatalf("DecodeDatapoints(nil) error = %v", err)
	}
	if len(dps) != 0 {
		t.Errorf("DecodeDatapoints(nil) = %v, want empty", dps)
	}
}

func TestDecodeDatapointsTruncation(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "truncated record header",
			payload: []byte{101, byte(DTBool)},
		},
		{
			name:    "declared length exceeds remainder",
			payload: []byte{101, byte(DTRaw), 4, 0x01, 0x02},
		},
		{
			name: "second record truncated",
			payload: append(
				[]byte{101, byte(DTBool), 1, 0x01},
				102, byte(DTValue),
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDatapoints(tt.payload)
			if err == nil {
				t.Fatal("DecodeDatapoints() should fail")
			}
			if !IsMalformedLengthError(err) {
				t.Errorf("error = %v, want malformed length", err)
			}
		})
	}
}

func TestEncodeDatapointsRejectsOversizedValue(t *testing.T) {
	dp := NewRaw(1, make([]byte, MaxValueSize+1))
	if _, err := EncodeDatapoints([]Datapoint{dp}); err == nil {
		t.Fatal("EncodeDatapoints() should reject a value over the length byte")
	}
}

func TestDatapointWidthSurvivesRoundTrip(t *testing.T) {
	// A 2-byte zero and a 4-byte zero are different wire records
	narrow, err := NewValue(7, 0, 2)
	if err != nil {
		t.Fatalf("NewValue() error = %v", err)
	}
	wide, err := NewValue(7, 0, 4)
	if err != nil {
		t.Fatalf("NewValue() error = %v", err)
	}
	if narrow.Equal(wide) {
		t.Fatal("records of different widths must not compare equal")
	}

	payload, err := EncodeDatapoints([]Datapoint{narrow})
	if err != nil {
		t.Fatalf("EncodeDatapoints() error = %v", err)
	}
	out, err := DecodeDatapoints(payload)
	if err != nil {
		t.Fatalf("DecodeDatapoints() error = %v", err)
	}
	if len(out[0].Value) != 2 {
		t.Errorf("decoded width = %d, want 2", len(out[0].Value))
	}
}
