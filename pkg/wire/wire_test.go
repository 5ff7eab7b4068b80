package wire

import (
	"testing"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

type stringBody struct {
	Text string `cbor:"text"`
}

func newAgent(t *testing.T, did ampid.DID, b byte) ampid.AgentKeys {
	t.Helper()
	k, err := ampid.FromSeed(did, testSeed(b))
	require.NoError(t, err)
	return k
}

func baseMeta(from, to ampid.DID, tsMs uint64) validate.Metadata {
	id := validate.MakeMessageID(tsMs, 1)
	return validate.Metadata{
		V: 1,
		Headers: validate.Headers{
			ID:    id,
			To:    []ampid.DID{to},
			TsMs:  tsMs,
			TTLMs: 60_000,
			Typ:   validate.TypeMessage,
			From:  from,
		},
	}
}

func TestBuildAndParsePlainRoundTrip(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := Build(alice, meta, stringBody{Text: "hi bob"})
	require.NoError(t, err)

	rm, err := Parse(frame, bob, resolver, 10_000)
	require.NoError(t, err)
	assert.Equal(t, alice.DID, rm.Meta.From)

	var body stringBody
	require.NoError(t, rm.DecodeBody(&body))
	assert.Equal(t, "hi bob", body.Text)
}

func TestParseRejectsTamperedBody(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := Build(alice, meta, stringBody{Text: "hi bob"})
	require.NoError(t, err)

	// The body (key 11) is the last field of the canonical record, so this
	// flips a body byte.
	frame[len(frame)-1] ^= 0xFF

	_, err = Parse(frame, bob, resolver, 10_000)
	assert.Error(t, err)
}

func TestParseRejectsWrongRecipient(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)
	carol := newAgent(t, "did:example:carol", 3)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)
	resolver.RegisterAgent(carol)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := Build(alice, meta, stringBody{Text: "hi bob"})
	require.NoError(t, err)

	_, err = Parse(frame, carol, resolver, 10_000)
	assert.True(t, amperrors.Is(err, amperrors.CodeUnauthorized))
}

func TestBuildAuthcryptRoundTrip(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := BuildAuthcrypt(alice, bob.KXPub, meta, stringBody{Text: "secret"})
	require.NoError(t, err)

	rm, err := Parse(frame, bob, resolver, 10_000)
	require.NoError(t, err)

	var body stringBody
	require.NoError(t, rm.DecodeBody(&body))
	assert.Equal(t, "secret", body.Text)
}

func TestBuildAuthcryptWrongRecipientCannotDecrypt(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)
	carol := newAgent(t, "did:example:carol", 3)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)
	resolver.RegisterAgent(carol)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := BuildAuthcrypt(alice, bob.KXPub, meta, stringBody{Text: "secret"})
	require.NoError(t, err)

	// carol isn't in meta.To, so Parse rejects before attempting decryption.
	_, err = Parse(frame, carol, resolver, 10_000)
	assert.True(t, amperrors.Is(err, amperrors.CodeUnauthorized))
}

func TestPeekExtractsRoutingWithoutVerifying(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	frame, err := Build(alice, meta, stringBody{Text: "hi bob"})
	require.NoError(t, err)

	env, err := Peek(frame)
	require.NoError(t, err)
	assert.Equal(t, alice.DID, env.From)
	assert.Equal(t, []ampid.DID{bob.DID}, env.To)
	assert.Equal(t, validate.TypeMessage, env.Typ)
}

func TestPingBodyMustBeNull(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	meta.Typ = validate.TypePing
	frame, err := Build(alice, meta, stringBody{Text: "not null"})
	require.NoError(t, err)

	_, err = Parse(frame, bob, resolver, 10_000)
	assert.True(t, amperrors.Is(err, amperrors.CodeInvalidMessage))
}

func TestPingWithNullBodyParses(t *testing.T) {
	alice := newAgent(t, "did:example:alice", 1)
	bob := newAgent(t, "did:example:bob", 2)

	resolver := ampid.NewResolver()
	resolver.RegisterAgent(alice)
	resolver.RegisterAgent(bob)

	meta := baseMeta(alice.DID, bob.DID, 10_000)
	meta.Typ = validate.TypePing
	frame, err := Build(alice, meta, nil)
	require.NoError(t, err)

	rm, err := Parse(frame, bob, resolver, 10_000)
	require.NoError(t, err)
	assert.True(t, codecIsNullBody(rm.BodyBytes))
}

func codecIsNullBody(b []byte) bool {
	return len(b) == 1 && b[0] == 0xF6
}
