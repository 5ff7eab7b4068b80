// Package validate implements the metadata model shared by the wire
// envelope and the validator: message types, the 16-byte message
// identifier, message metadata, and the timing/well-formedness rules
// every inbound message must satisfy before it is accepted.
package validate

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
)

// MessageType is the single-byte wire message type tag.
type MessageType uint8

const (
	TypePing        MessageType = 0x01
	TypePong        MessageType = 0x02
	TypeAck         MessageType = 0x03
	TypeMessage     MessageType = 0x10
	TypeHello       MessageType = 0x70
	TypeHelloAck    MessageType = 0x71
	TypeHelloReject MessageType = 0x72
)

// IsHandshake reports whether t is one of the handshake types, which must
// always carry v=1 regardless of the negotiated application version.
func (t MessageType) IsHandshake() bool {
	switch t {
	case TypeHello, TypeHelloAck, TypeHelloReject:
		return true
	default:
		return false
	}
}

const (
	// MaxClockSkewMs bounds how far into the future a message's ts_ms may
	// sit relative to the validator's "now" before it is rejected.
	MaxClockSkewMs uint64 = 30_000
	// MaxIDTimestampDeltaMs bounds the allowed drift between a message
	// identifier's embedded timestamp and its header ts_ms.
	MaxIDTimestampDeltaMs uint64 = 1_000
)

// MessageID is the 16-byte message identifier: 8 bytes big-endian
// milliseconds-since-epoch followed by 8 arbitrary tail bytes.
type MessageID [16]byte

// MakeMessageID builds a MessageID from a timestamp and a tail value
// (typically a monotonic counter, but any 8 bytes are legal).
func MakeMessageID(tsMs uint64, tail uint64) MessageID {
	var id MessageID
	binary.BigEndian.PutUint64(id[:8], tsMs)
	binary.BigEndian.PutUint64(id[8:], tail)
	return id
}

// NewRandomMessageID builds a MessageID for tsMs with a cryptographically
// random tail, the normal case when originating a new message.
func NewRandomMessageID(tsMs uint64) (MessageID, error) {
	var id MessageID
	binary.BigEndian.PutUint64(id[:8], tsMs)
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("validate: generate message id: %w", err)
	}
	return id, nil
}

// Timestamp extracts the embedded creation timestamp from a MessageID.
func (id MessageID) Timestamp() uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// Headers is the signed header tuple used to compute the signature input.
// Optional fields are represented with pointers/nil slices so the codec
// can omit them entirely rather than encode null.
type Headers struct {
	ID       MessageID
	To       []ampid.DID
	TsMs     uint64
	TTLMs    uint64
	Typ      MessageType
	From     ampid.DID
	ReplyTo  *MessageID
	ThreadID []byte
}

// Metadata is the full message metadata, a superset of Headers that also
// carries the protocol version.
type Metadata struct {
	V        uint8
	Headers
}

// Validate enforces version, addressing, clock-skew, TTL-expiry, and
// id-embedded-timestamp checks against nowMs, using saturating 64-bit
// unsigned arithmetic throughout.
func Validate(m Metadata, nowMs uint64) error {
	if m.V == 0 {
		return amperrors.UnsupportedVersion("protocol version is zero")
	}
	if m.Typ.IsHandshake() && m.V != 1 {
		return amperrors.UnsupportedVersion("handshake message must use v=1")
	}
	if m.From == "" {
		return amperrors.InvalidMessage("from is empty")
	}
	if len(m.To) == 0 {
		return amperrors.InvalidMessage("to is empty")
	}

	futureBound := saturatingAddU64(nowMs, MaxClockSkewMs)
	if m.TsMs > futureBound {
		return amperrors.InvalidTimestamp("future")
	}

	expiry := saturatingAddU64(m.TsMs, m.TTLMs)
	if nowMs > expiry {
		return amperrors.InvalidTimestamp("expired")
	}

	idTs := m.ID.Timestamp()
	if absDiffU64(idTs, m.TsMs) > MaxIDTimestampDeltaMs {
		return amperrors.InvalidMessage("id-embedded timestamp diverges from ts_ms")
	}

	return nil
}

func saturatingAddU64(a, b uint64) uint64 { return SaturatingAddU64(a, b) }

func absDiffU64(a, b uint64) uint64 { return AbsDiffU64(a, b) }

// SaturatingAddU64 adds a and b, clamping to math.MaxUint64 on overflow
// instead of wrapping. Exported for reuse by the relay engine, which must
// apply the same saturation rule to ts_ms+ttl_ms expiry arithmetic.
func SaturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}

// AbsDiffU64 returns the absolute difference between two uint64 values.
func AbsDiffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
