// Package codec implements the deterministic binary codec: a
// canonical subset of CBOR used by every wire-facing package. Integers are
// shortest-form, maps and arrays are definite-length, map keys (including
// struct field keys) are sorted in canonical length-first order, and there
// are no indefinite-length items. Two independent encodes of the same logical
// value produce byte-identical output, which the message signing contract
// depends on.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("codec: bad canonical encoding options: " + err.Error())
	}
	encMode = m

	dopts := cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	}
	dm, err := dopts.DecMode()
	if err != nil {
		panic("codec: bad canonical decoding options: " + err.Error())
	}
	decMode = dm
}

// Marshal canonically encodes v.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into v, rejecting indefinite-length items and
// duplicate map keys.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// Value is a generic decoded value, used where a caller needs to
// re-canonicalize an arbitrary body (decode then re-encode) without
// knowing its concrete Go type ahead of time.
type Value struct {
	raw interface{}
}

// DecodeValue decodes data into a generic Value.
func DecodeValue(data []byte) (Value, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return Value{raw: v}, nil
}

// Encode canonically re-encodes the decoded value.
func (v Value) Encode() ([]byte, error) {
	return Marshal(v.raw)
}

// Raw returns the underlying decoded Go value (map[interface{}]interface{},
// []interface{}, string, []byte, uint64, int64, float64, bool, or nil).
func (v Value) Raw() interface{} {
	return v.raw
}

// Null is the canonical encoding of the CBOR null value (0xF6).
var Null = []byte{0xF6}

// IsNull reports whether data is exactly the canonical null encoding.
func IsNull(data []byte) bool {
	return len(data) == 1 && data[0] == 0xF6
}

// Recanonicalize decodes data as a generic value and re-encodes it,
// producing the canonical form regardless of how the input was originally
// encoded (so long as it decodes cleanly under this codec's rules).
func Recanonicalize(data []byte) ([]byte, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	return v.Encode()
}

// MapBuilder assists constructing ad hoc string-keyed CBOR maps for body
// types that are not modeled as a fixed Go struct (e.g. test fixtures for
// ACK/HELLO bodies with optional fields).
type MapBuilder struct {
	pairs []mapPair
}

type mapPair struct {
	key string
	val interface{}
}

// NewMapBuilder returns an empty MapBuilder.
func NewMapBuilder() *MapBuilder {
	return &MapBuilder{}
}

// Set adds or overwrites a key. Call order is preserved, which combined
// with CanonicalEncOptions' key sorting keeps the output deterministic
// regardless of insertion order.
func (b *MapBuilder) Set(key string, val interface{}) *MapBuilder {
	for i, p := range b.pairs {
		if p.key == key {
			b.pairs[i].val = val
			return b
		}
	}
	b.pairs = append(b.pairs, mapPair{key: key, val: val})
	return b
}

// Build returns the map[string]interface{} ready for Marshal.
func (b *MapBuilder) Build() map[string]interface{} {
	m := make(map[string]interface{}, len(b.pairs))
	for _, p := range b.pairs {
		m[p.key] = p.val
	}
	return m
}
