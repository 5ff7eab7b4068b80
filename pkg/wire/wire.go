// Package wire implements the AMP-v1 wire envelope: building and
// parsing signed plaintext and authenticated-encrypted messages, and
// routing-header peek without decryption.
package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/codec"
	"github.com/agentries/amp/pkg/validate"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/box"
)

const (
	algSalsaBox       = "X25519-XSalsa20-Poly1305"
	modeAuthcrypt     = "authcrypt"
	nonceSize         = 24
	minCiphertextSize = 17 // box.Overhead (16) plus at least one byte
)

// cborRecord is the single on-the-wire struct used for both flavors; the
// Plain and Encrypted variants are distinguished by which of Body/Enc is
// present. No explicit tag field is needed since the two payload fields
// are mutually exclusive by construction.
type cborRecord struct {
	V        uint8           `cbor:"1,keyasint"`
	ID       []byte          `cbor:"2,keyasint"`
	Typ      uint8           `cbor:"3,keyasint"`
	Ts       uint64          `cbor:"4,keyasint"`
	TTL      uint64          `cbor:"5,keyasint"`
	From     string          `cbor:"6,keyasint"`
	To       []string        `cbor:"7,keyasint"`
	ReplyTo  []byte          `cbor:"8,keyasint,omitempty"`
	ThreadID []byte          `cbor:"9,keyasint,omitempty"`
	Sig      []byte          `cbor:"10,keyasint"`
	Body     cbor.RawMessage `cbor:"11,keyasint,omitempty"`
	Enc      *cborEncPayload `cbor:"12,keyasint,omitempty"`
}

type cborEncPayload struct {
	Alg        string `cbor:"1,keyasint"`
	Mode       string `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// sigHeaders is the signed header record, keyed by field name (not
// keyasint): the signature input tuple is defined over named fields and
// must omit, never null, its optional members.
type sigHeaders struct {
	ID       []byte   `cbor:"id"`
	To       []string `cbor:"to"`
	Ts       uint64   `cbor:"ts"`
	TTL      uint64   `cbor:"ttl"`
	Typ      uint8    `cbor:"typ"`
	From     string   `cbor:"from"`
	ReplyTo  []byte   `cbor:"reply_to,omitempty"`
	ThreadID []byte   `cbor:"thread_id,omitempty"`
}

type sigTuple struct {
	_       struct{} `cbor:",toarray"`
	Magic   string
	Version uint8
	Headers sigHeaders
	Body    []byte
}

func didsToStrings(ds []ampid.DID) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

func stringsToDIDs(ss []string) []ampid.DID {
	out := make([]ampid.DID, len(ss))
	for i, s := range ss {
		out[i] = ampid.DID(s)
	}
	return out
}

func sigInput(h validate.Headers, bodyBytes []byte) ([]byte, error) {
	sh := sigHeaders{
		ID:   h.ID[:],
		To:   didsToStrings(h.To),
		Ts:   h.TsMs,
		TTL:  h.TTLMs,
		Typ:  uint8(h.Typ),
		From: string(h.From),
	}
	if h.ReplyTo != nil {
		sh.ReplyTo = h.ReplyTo[:]
	}
	if len(h.ThreadID) > 0 {
		sh.ThreadID = h.ThreadID
	}
	b, err := codec.Marshal(sigTuple{Magic: "AMP-v1", Version: 1, Headers: sh, Body: bodyBytes})
	if err != nil {
		return nil, fmt.Errorf("wire: encode signature input: %w", err)
	}
	return b, nil
}

func headersToRecord(rec *cborRecord, m validate.Metadata) {
	rec.V = m.V
	id := m.ID
	rec.ID = id[:]
	rec.Typ = uint8(m.Typ)
	rec.Ts = m.TsMs
	rec.TTL = m.TTLMs
	rec.From = string(m.From)
	rec.To = didsToStrings(m.To)
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		rec.ReplyTo = rt[:]
	}
	if len(m.ThreadID) > 0 {
		rec.ThreadID = m.ThreadID
	}
}

func recordToMetadata(rec *cborRecord) (validate.Metadata, error) {
	if len(rec.ID) != 16 {
		return validate.Metadata{}, amperrors.InvalidMessage("message id must be 16 bytes")
	}
	var id validate.MessageID
	copy(id[:], rec.ID)

	h := validate.Headers{
		ID:    id,
		To:    stringsToDIDs(rec.To),
		TsMs:  rec.Ts,
		TTLMs: rec.TTL,
		Typ:   validate.MessageType(rec.Typ),
		From:  ampid.DID(rec.From),
	}
	if len(rec.ReplyTo) > 0 {
		if len(rec.ReplyTo) != 16 {
			return validate.Metadata{}, amperrors.InvalidMessage("reply_to must be 16 bytes")
		}
		var rt validate.MessageID
		copy(rt[:], rec.ReplyTo)
		h.ReplyTo = &rt
	}
	if len(rec.ThreadID) > 0 {
		h.ThreadID = rec.ThreadID
	}
	return validate.Metadata{V: rec.V, Headers: h}, nil
}

// RoutingEnvelope is what Peek extracts from either wire flavor without
// touching the body or requiring any key material.
type RoutingEnvelope struct {
	ID      validate.MessageID
	Typ     validate.MessageType
	From    ampid.DID
	To      []ampid.DID
	ReplyTo *validate.MessageID
}

// Peek decodes data as either wire flavor and extracts its routing
// envelope, without verifying the signature or decrypting anything. It
// drives relay routing decisions.
func Peek(data []byte) (RoutingEnvelope, error) {
	var rec cborRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return RoutingEnvelope{}, amperrors.InvalidMessage("malformed wire record: " + err.Error())
	}
	meta, err := recordToMetadata(&rec)
	if err != nil {
		return RoutingEnvelope{}, err
	}
	return RoutingEnvelope{
		ID:      meta.ID,
		Typ:     meta.Typ,
		From:    meta.From,
		To:      meta.To,
		ReplyTo: meta.ReplyTo,
	}, nil
}

// Build constructs a Plain Wire Record. meta.From is overwritten with the
// sender's DID. meta.TsMs is used as "now" for validation.
func Build(sender ampid.AgentKeys, meta validate.Metadata, body interface{}) ([]byte, error) {
	meta.From = sender.DID
	if err := validate.Validate(meta, meta.TsMs); err != nil {
		return nil, err
	}

	bodyBytes, err := codec.Marshal(body)
	if err != nil {
		return nil, amperrors.InvalidMessage("encode body: " + err.Error())
	}

	si, err := sigInput(meta.Headers, bodyBytes)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(sender.SignPrivate(), si)

	var rec cborRecord
	headersToRecord(&rec, meta)
	rec.Sig = sig
	rec.Body = cbor.RawMessage(bodyBytes)

	out, err := codec.Marshal(rec)
	if err != nil {
		return nil, amperrors.InvalidMessage("encode record: " + err.Error())
	}
	return out, nil
}

// BuildAuthcrypt constructs an Encrypted Wire Record whose body is
// encrypted to recipientKXPub (the key is taken as given, not resolved
// from meta.To), using SalsaBox (X25519 + XSalsa20-Poly1305) under the
// sender's own key-agreement key (not an ephemeral one — the wire record
// carries no ephemeral public key field, so both parties must already
// know each other's static key-agreement keys).
func BuildAuthcrypt(sender ampid.AgentKeys, recipientKXPub [32]byte, meta validate.Metadata, body interface{}) ([]byte, error) {
	meta.From = sender.DID
	if err := validate.Validate(meta, meta.TsMs); err != nil {
		return nil, err
	}

	bodyBytes, err := codec.Marshal(body)
	if err != nil {
		return nil, amperrors.InvalidMessage("encode body: " + err.Error())
	}

	si, err := sigInput(meta.Headers, bodyBytes)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(sender.SignPrivate(), si)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wire: generate nonce: %w", err)
	}
	senderPriv := sender.KXPrivate()
	ciphertext := box.Seal(nil, bodyBytes, &nonce, &recipientKXPub, &senderPriv)

	var rec cborRecord
	headersToRecord(&rec, meta)
	rec.Sig = sig
	rec.Enc = &cborEncPayload{
		Alg:        algSalsaBox,
		Mode:       modeAuthcrypt,
		Nonce:      nonce[:],
		Ciphertext: ciphertext,
	}

	out, err := codec.Marshal(rec)
	if err != nil {
		return nil, amperrors.InvalidMessage("encode record: " + err.Error())
	}
	return out, nil
}

// ReceivedMessage is the result of a successful Parse.
type ReceivedMessage struct {
	Meta      validate.Metadata
	BodyBytes []byte
}

// DecodeBody decodes the received message's canonical body bytes into v.
func (m ReceivedMessage) DecodeBody(v interface{}) error {
	return codec.Unmarshal(m.BodyBytes, v)
}

// Parse decodes, validates and verifies a wire record addressed to
// recipient. nowMs is the caller-supplied current time used for
// validation.
func Parse(data []byte, recipient ampid.AgentKeys, resolver *ampid.Resolver, nowMs uint64) (*ReceivedMessage, error) {
	var rec cborRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, amperrors.InvalidMessage("malformed wire record: " + err.Error())
	}
	meta, err := recordToMetadata(&rec)
	if err != nil {
		return nil, err
	}
	if err := validate.Validate(meta, nowMs); err != nil {
		return nil, err
	}

	found := false
	for _, to := range meta.To {
		if to == recipient.DID {
			found = true
			break
		}
	}
	if !found {
		return nil, amperrors.Unauthorized("recipient DID not present in to")
	}

	senderPub, ok := resolver.SigningKey(meta.From)
	if !ok {
		return nil, amperrors.Unauthorized("unknown sender signing key")
	}

	switch {
	case rec.Enc != nil:
		return parseEncrypted(&rec, meta, recipient, resolver, senderPub)
	case rec.Body != nil:
		return parsePlain(&rec, meta, senderPub)
	default:
		return nil, amperrors.InvalidMessage("wire record has neither body nor enc")
	}
}

func parsePlain(rec *cborRecord, meta validate.Metadata, senderPub ed25519.PublicKey) (*ReceivedMessage, error) {
	bodyBytes, err := codec.Recanonicalize([]byte(rec.Body))
	if err != nil {
		return nil, amperrors.InvalidMessage("re-canonicalize body: " + err.Error())
	}

	if meta.Typ == validate.TypePing || meta.Typ == validate.TypePong {
		if !codec.IsNull(bodyBytes) {
			return nil, amperrors.InvalidMessage("ping/pong body must be null")
		}
	}

	si, err := sigInput(meta.Headers, bodyBytes)
	if err != nil {
		return nil, err
	}
	if len(rec.Sig) != ed25519.SignatureSize || !ed25519.Verify(senderPub, si, rec.Sig) {
		return nil, amperrors.InvalidSignature("signature verification failed")
	}

	return &ReceivedMessage{Meta: meta, BodyBytes: bodyBytes}, nil
}

func parseEncrypted(rec *cborRecord, meta validate.Metadata, recipient ampid.AgentKeys, resolver *ampid.Resolver, senderPub ed25519.PublicKey) (*ReceivedMessage, error) {
	enc := rec.Enc
	if enc.Alg != algSalsaBox || enc.Mode != modeAuthcrypt {
		return nil, amperrors.InvalidMessage("unsupported encryption algorithm/mode")
	}
	if len(enc.Nonce) != nonceSize {
		return nil, amperrors.InvalidMessage("nonce must be 24 bytes")
	}
	if len(enc.Ciphertext) < minCiphertextSize {
		return nil, amperrors.InvalidMessage("ciphertext too short")
	}

	senderKX, ok := resolver.KeyAgreementKey(meta.From)
	if !ok {
		return nil, amperrors.Unauthorized("unknown sender key-agreement key")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], enc.Nonce)
	recipientPriv := recipient.KXPrivate()

	plaintext, ok := box.Open(nil, enc.Ciphertext, &nonce, &senderKX, &recipientPriv)
	if !ok {
		return nil, amperrors.Unauthorized("authcrypt decryption failed")
	}

	bodyBytes, err := codec.Recanonicalize(plaintext)
	if err != nil {
		return nil, amperrors.Unauthorized("decrypted body is not valid canonical encoding")
	}

	si, err := sigInput(meta.Headers, bodyBytes)
	if err != nil {
		return nil, err
	}
	if len(rec.Sig) != ed25519.SignatureSize || !ed25519.Verify(senderPub, si, rec.Sig) {
		return nil, amperrors.InvalidSignature("signature verification failed")
	}

	return &ReceivedMessage{Meta: meta, BodyBytes: bodyBytes}, nil
}
