package authhandshake

import (
	"testing"
	"time"

	"github.com/agentries/amp/pkg/ampid"
)

func testSeed(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func newHandlerWithAgent(t *testing.T, did string) (*Handler, ampid.AgentKeys) {
	t.Helper()
	keys, err := ampid.FromSeed(ampid.DID(did), testSeed(7))
	if err != nil {
		t.Fatalf("failed to derive agent keys: %v", err)
	}
	resolver := ampid.NewResolver()
	resolver.RegisterAgent(keys)
	return NewHandler(resolver, "did:example:server"), keys
}

func TestHandleAuthAcceptsValidChallenge(t *testing.T) {
	h, keys := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	token, err := SignChallenge("did:example:alice", "nonce-1", keys.SignPrivate())
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}

	frame := AuthFrame{Type: "auth", DID: "did:example:alice", Token: token, Nonce: "nonce-1", Timestamp: now.Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if resp.Type != "auth_ok" {
		t.Errorf("expected auth_ok, got %q (error=%q)", resp.Type, resp.Error)
	}
	if resp.ServerDID != "did:example:server" {
		t.Errorf("expected server did in response, got %q", resp.ServerDID)
	}
}

func TestHandleAuthNegotiatesSmallerMaxMsgSize(t *testing.T) {
	h, keys := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	token, err := SignChallenge("did:example:alice", "nonce-1", keys.SignPrivate())
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}

	frame := AuthFrame{Type: "auth", DID: "did:example:alice", Token: token, Nonce: "nonce-1", Timestamp: now.Unix(), MaxMsgSize: 4096}
	resp, err := h.HandleAuth(frame, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MaxMsgSize != 4096 {
		t.Errorf("expected negotiated max_msg_size 4096, got %d", resp.MaxMsgSize)
	}
}

func TestHandleAuthRejectsWrongType(t *testing.T) {
	h, _ := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	frame := AuthFrame{Type: "hello", DID: "did:example:alice", Timestamp: now.Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for wrong frame type")
	}
	if resp.Type != "auth_fail" || resp.ErrorCode != "invalid_type" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleAuthRejectsEmptyDID(t *testing.T) {
	h, _ := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	frame := AuthFrame{Type: "auth", DID: "", Timestamp: now.Unix()}
	_, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for empty did")
	}
}

func TestHandleAuthRejectsTimestampOutOfRange(t *testing.T) {
	h, keys := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)
	token, _ := SignChallenge("did:example:alice", "nonce-1", keys.SignPrivate())

	frame := AuthFrame{Type: "auth", DID: "did:example:alice", Token: token, Nonce: "nonce-1", Timestamp: now.Add(10 * time.Minute).Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for out-of-range timestamp")
	}
	if resp.ErrorCode != "invalid_timestamp" {
		t.Errorf("expected invalid_timestamp, got %q", resp.ErrorCode)
	}
}

func TestHandleAuthRejectsUnknownDID(t *testing.T) {
	h, _ := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	frame := AuthFrame{Type: "auth", DID: "did:example:unregistered", Token: "irrelevant", Nonce: "n", Timestamp: now.Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for unregistered did")
	}
	if resp.ErrorCode != "unauthorized" {
		t.Errorf("expected unauthorized, got %q", resp.ErrorCode)
	}
}

func TestHandleAuthRejectsBadSignature(t *testing.T) {
	h, _ := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	other, err := ampid.FromSeed("did:example:mallory", testSeed(9))
	if err != nil {
		t.Fatalf("failed to derive attacker keys: %v", err)
	}
	token, err := SignChallenge("did:example:alice", "nonce-1", other.SignPrivate())
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}

	frame := AuthFrame{Type: "auth", DID: "did:example:alice", Token: token, Nonce: "nonce-1", Timestamp: now.Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for signature from the wrong key")
	}
	if resp.ErrorCode != "invalid_signature" {
		t.Errorf("expected invalid_signature, got %q", resp.ErrorCode)
	}
}

func TestHandleAuthRejectsMismatchedNonce(t *testing.T) {
	h, keys := newHandlerWithAgent(t, "did:example:alice")
	now := time.Unix(1_700_000_000, 0)

	token, err := SignChallenge("did:example:alice", "nonce-1", keys.SignPrivate())
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}

	frame := AuthFrame{Type: "auth", DID: "did:example:alice", Token: token, Nonce: "nonce-2", Timestamp: now.Unix()}
	resp, err := h.HandleAuth(frame, now)
	if err == nil {
		t.Fatal("expected error for mismatched nonce")
	}
	if resp.ErrorCode != "invalid_signature" {
		t.Errorf("expected invalid_signature for payload mismatch, got %q", resp.ErrorCode)
	}
}
