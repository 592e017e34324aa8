package shard

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Bytes returns the canonical byte representation of the wrapped key value,
// used as hash input by the router. The encoding is stable across processes:
// UTF-8 for strings, little-endian for integer kinds, the 16 raw bytes for
// UUIDs. Any other type falls back to its fmt %v rendering in UTF-8.
func (k Key[K]) Bytes() []byte {
	switch v := any(k.value).(type) {
	case string:
		return []byte(v)
	case int:
		return leUint64(uint64(int64(v)))
	case int8:
		return []byte{byte(v)}
	case int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v))
	case uint:
		return leUint64(uint64(v))
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case int32:
		return leUint32(uint32(v))
	case int64:
		return leUint64(uint64(v))
	case uint32:
		return leUint32(v)
	case uint64:
		return leUint64(v)
	case uuid.UUID:
		b := [16]byte(v)
		return b[:]
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func leUint32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func leUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Codec converts key values to and from their string form for persistent
// adapters that index by string (datastores, checkpoint files).
type Codec[K comparable] interface {
	Encode(K) string
	Decode(string) (K, error)
}

// StringCodec is the identity codec for string keys.
type StringCodec struct{}

func (StringCodec) Encode(v string) string          { return v }
func (StringCodec) Decode(s string) (string, error) { return s, nil }

// Int64Codec encodes int64 keys in base-10.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) string { return strconv.FormatInt(v, 10) }

func (Int64Codec) Decode(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode int64 key %q: %w", s, err)
	}
	return v, nil
}

// UUIDCodec encodes uuid.UUID keys in their canonical textual form.
type UUIDCodec struct{}

func (UUIDCodec) Encode(v uuid.UUID) string { return v.String() }

func (UUIDCodec) Decode(s string) (uuid.UUID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("decode uuid key %q: %w", s, err)
	}
	return v, nil
}
