package wire

import (
	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/codec"
)

// AckSource identifies who originated an ACK body.
type AckSource uint8

const (
	AckSourceRelay AckSource = iota
	AckSourceRecipient
)

// AckBody is the decoded body of an ACK message (typ=TypeAck).
type AckBody struct {
	AckSource    AckSource
	ReceivedAtMs uint64
	// AckTarget identifies which recipient this ACK covers, required when
	// the original message had more than one recipient (they all share
	// the same msg_id, so only the recipient DID can disambiguate).
	AckTarget *ampid.DID
}

// cborAckBody is the wire shape: field-named (not keyasint) since ACK
// bodies are a small, human-legible record rather than a hot-path struct.
type cborAckBody struct {
	AckSource  string `cbor:"ack_source"`
	ReceivedAt uint64 `cbor:"received_at"`
	AckTarget  string `cbor:"ack_target,omitempty"`
}

func (b AckBody) toCBOR() cborAckBody {
	c := cborAckBody{ReceivedAt: b.ReceivedAtMs}
	if b.AckSource == AckSourceRelay {
		c.AckSource = "relay"
	} else {
		c.AckSource = "recipient"
	}
	if b.AckTarget != nil {
		c.AckTarget = string(*b.AckTarget)
	}
	return c
}

// Encode canonically encodes the ACK body for use as a wire envelope body
// value (passed to Build/BuildAuthcrypt).
func (b AckBody) Encode() ([]byte, error) {
	return codec.Marshal(b.toCBOR())
}

// DecodeAckBody decodes canonical ACK body bytes (as returned by
// ReceivedMessage.BodyBytes) into an AckBody.
func DecodeAckBody(bodyBytes []byte) (AckBody, error) {
	var c cborAckBody
	if err := codec.Unmarshal(bodyBytes, &c); err != nil {
		return AckBody{}, amperrors.InvalidMessage("decode ack body: " + err.Error())
	}
	b := AckBody{ReceivedAtMs: c.ReceivedAt}
	switch c.AckSource {
	case "relay":
		b.AckSource = AckSourceRelay
	case "recipient":
		b.AckSource = AckSourceRecipient
	default:
		return AckBody{}, amperrors.InvalidMessage("unknown ack_source")
	}
	if c.AckTarget != "" {
		t := ampid.DID(c.AckTarget)
		b.AckTarget = &t
	}
	return b, nil
}

// ValidateAckSemantics enforces ACK provenance rules: a recipient-sourced
// ACK must come from one of the original recipients; a relay-sourced ACK
// must come from a trusted relay; and if the original message had more
// than one recipient, ack_target must be present.
func ValidateAckSemantics(ack AckBody, ackFrom ampid.DID, originalTo []ampid.DID, resolver *ampid.Resolver) error {
	switch ack.AckSource {
	case AckSourceRecipient:
		found := false
		for _, o := range originalTo {
			if o == ackFrom {
				found = true
				break
			}
		}
		if !found {
			return amperrors.InvalidMessage("ack.from is not among the original recipients")
		}
	case AckSourceRelay:
		if !resolver.IsTrustedRelay(ackFrom) {
			return amperrors.Unauthorized("ack.from is not a trusted relay")
		}
	default:
		return amperrors.InvalidMessage("unknown ack_source")
	}

	if len(originalTo) > 1 && ack.AckTarget == nil {
		return amperrors.InvalidMessage("ack_target required when original message had multiple recipients")
	}
	return nil
}
