package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DPType is the wire type tag of a datapoint value
type DPType byte

// Datapoint type tags (the vendor's fixed type codes)
const (
	DTRaw    DPType = 0x00
	DTBool   DPType = 0x01
	DTValue  DPType = 0x02
	DTString DPType = 0x03
	DTEnum   DPType = 0x04
	DTBitmap DPType = 0x05
)

// String returns a human-readable name for a datapoint type tag
func (t DPType) String() string {
	switch t {
	case DTRaw:
		return "raw"
	case DTBool:
		return "bool"
	case DTValue:
		return "value"
	case DTString:
		return "string"
	case DTEnum:
		return "enum"
	case DTBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Datapoint is one typed (ID -> value) record. The value is kept in its wire
// encoding so the declared width and type tag survive a round-trip untouched;
// which type a given ID carries is the device schema's business, not ours.
type Datapoint struct {
	ID    byte
	Type  DPType
	Value []byte
}

// Record layout: dpID(1) | type tag(1) | length(1) | value bytes.
// Records are unordered among each other within a payload.
const dpRecordHeader = 3

// MaxValueSize is the maximum encodable value length (single length byte)
const MaxValueSize = 255

// NewBool builds a boolean datapoint
func NewBool(id byte, v bool) Datapoint {
	b := byte(0x00)
	if v {
		b = 0x01
	}
	return Datapoint{ID: id, Type: DTBool, Value: []byte{b}}
}

// NewValue builds an integer datapoint with the declared byte width (1, 2 or 4)
func NewValue(id byte, v int64, width int) (Datapoint, error) {
	raw, err := encodeInt(v, width)
	if err != nil {
		return Datapoint{}, err
	}
	return Datapoint{ID: id, Type: DTValue, Value: raw}, nil
}

// NewEnum builds an enum datapoint (single-byte unsigned value)
func NewEnum(id byte, v uint8) Datapoint {
	return Datapoint{ID: id, Type: DTEnum, Value: []byte{v}}
}

// NewBitmap builds a bitmap datapoint from its raw bytes
func NewBitmap(id byte, bits []byte) Datapoint {
	return Datapoint{ID: id, Type: DTBitmap, Value: append([]byte(nil), bits...)}
}

// NewString builds a string datapoint
func NewString(id byte, s string) Datapoint {
	return Datapoint{ID: id, Type: DTString, Value: []byte(s)}
}

// NewRaw builds a raw-bytes datapoint
func NewRaw(id byte, raw []byte) Datapoint {
	return Datapoint{ID: id, Type: DTRaw, Value: append([]byte(nil), raw...)}
}

// Bool decodes a boolean datapoint value
func (d Datapoint) Bool() (bool, error) {
	if d.Type != DTBool || len(d.Value) != 1 {
		return false, NewMalformedLengthError(
			fmt.Sprintf("datapoint %d is not a valid bool (type %s, %d bytes)", d.ID, d.Type, len(d.Value)))
	}
	return d.Value[0] != 0, nil
}

// Int decodes an integer, enum or bitmap datapoint value (big-endian, declared width)
func (d Datapoint) Int() (int64, error) {
	switch d.Type {
	case DTValue, DTEnum, DTBitmap, DTBool:
	default:
		return 0, NewMalformedLengthError(
			fmt.Sprintf("datapoint %d type %s has no integer form", d.ID, d.Type))
	}
	return decodeInt(d.Value)
}

// String implements fmt.Stringer with a debug representation
func (d Datapoint) String() string {
	return fmt.Sprintf("DP{id=%d, type=%s, value=%x}", d.ID, d.Type, d.Value)
}

// Equal reports whether two datapoints are identical including declared width
func (d Datapoint) Equal(o Datapoint) bool {
	return d.ID == o.ID && d.Type == o.Type && bytes.Equal(d.Value, o.Value)
}

// EncodeDatapoints serializes a datapoint set into a message payload
func EncodeDatapoints(dps []Datapoint) ([]byte, error) {
	size := 0
	for _, dp := range dps {
		if len(dp.Value) > MaxValueSize {
			return nil, NewMalformedLengthError(
				fmt.Sprintf("datapoint %d value too large: %d bytes (max %d)", dp.ID, len(dp.Value), MaxValueSize))
		}
		size += dpRecordHeader + len(dp.Value)
	}

	buf := make([]byte, 0, size)
	for _, dp := range dps {
		buf = append(buf, dp.ID, byte(dp.Type), byte(len(dp.Value)))
		buf = append(buf, dp.Value...)
	}
	return buf, nil
}

// DecodeDatapoints parses a message payload into its datapoint records
func DecodeDatapoints(payload []byte) ([]Datapoint, error) {
	var dps []Datapoint
	for off := 0; off < len(payload); {
		if len(payload)-off < dpRecordHeader {
			return nil, NewMalformedLengthError(
				fmt.Sprintf("truncated datapoint record header at offset %d", off))
		}
		id := payload[off]
		typ := DPType(payload[off+1])
		vlen := int(payload[off+2])
		off += dpRecordHeader

		if len(payload)-off < vlen {
			return nil, NewMalformedLengthError(
				fmt.Sprintf("datapoint %d declares %d value bytes, %d remain", id, vlen, len(payload)-off))
		}
		dps = append(dps, Datapoint{
			ID:    id,
			Type:  typ,
			Value: append([]byte(nil), payload[off:off+vlen]...),
		})
		off += vlen
	}
	return dps, nil
}

// encodeInt writes v big-endian into the declared width
func encodeInt(v int64, width int) ([]byte, error) {
	switch width {
	case 1:
		if v < -128 || v > 255 {
			return nil, NewMalformedLengthError(fmt.Sprintf("value %d does not fit in 1 byte", v))
		}
		return []byte{byte(v)}, nil
	case 2:
		if v < -32768 || v > 65535 {
			return nil, NewMalformedLengthError(fmt.Sprintf("value %d does not fit in 2 bytes", v))
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf, nil
	case 4:
		if v < -2147483648 || v > 4294967295 {
			return nil, NewMalformedLengthError(fmt.Sprintf("value %d does not fit in 4 bytes", v))
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return buf, nil
	default:
		return nil, NewMalformedLengthError(fmt.Sprintf("unsupported integer width %d", width))
	}
}

// decodeInt reads a big-endian unsigned integer of 1, 2 or 4 bytes
func decodeInt(raw []byte) (int64, error) {
	switch len(raw) {
	case 1:
		return int64(raw[0]), nil
	case 2:
		return int64(binary.BigEndian.Uint16(raw)), nil
	case 4:
		return int64(binary.BigEndian.Uint32(raw)), nil
	default:
		return 0, NewMalformedLengthError(fmt.Sprintf("unsupported integer width %d", len(raw)))
	}
}
