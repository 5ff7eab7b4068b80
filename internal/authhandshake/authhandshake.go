// Package authhandshake establishes a connection's transport_principal_did:
// the client proves control of its DID's signing key by presenting a JWS
// over a server-issued nonce before any AMP frame is accepted.
package authhandshake

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/amperrors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// DefaultMaxMsgSize is the fallback negotiated frame size ceiling.
const DefaultMaxMsgSize = 1024 * 1024

// timestampSkew bounds how far an AuthFrame's declared timestamp may drift
// from wall clock time before it is rejected as a replay candidate.
const timestampSkew = 5 * time.Minute

// AuthFrame is the first frame a connecting peer must send. Token is a
// compact-serialized JWS (alg EdDSA) over a challengePayload naming DID
// and Nonce.
type AuthFrame struct {
	Type       string `json:"type"`
	DID        string `json:"did"`
	Token      string `json:"token"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	MaxMsgSize int    `json:"max_msg_size,omitempty"`
}

// AuthResponse answers an AuthFrame.
type AuthResponse struct {
	Type       string `json:"type"`
	ServerDID  string `json:"server_did,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	MaxMsgSize int    `json:"max_msg_size,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type challengePayload struct {
	DID   string `json:"did"`
	Nonce string `json:"nonce"`
}

// SignChallenge produces the compact JWS a client sends as AuthFrame.Token,
// proving control of priv for the (did, nonce) pair.
func SignChallenge(did, nonce string, priv ed25519.PrivateKey) (string, error) {
	payload, err := json.Marshal(challengePayload{DID: did, Nonce: nonce})
	if err != nil {
		return "", fmt.Errorf("authhandshake: encode challenge: %w", err)
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.EdDSA, priv))
	if err != nil {
		return "", fmt.Errorf("authhandshake: sign challenge: %w", err)
	}
	return string(signed), nil
}

// Handler authenticates AuthFrame tokens against a Resolver's registered
// signing keys and negotiates the max frame size for the connection.
type Handler struct {
	Resolver          *ampid.Resolver
	ServerDID         string
	DefaultMaxMsgSize int
}

// NewHandler returns a Handler with DefaultMaxMsgSize applied.
func NewHandler(resolver *ampid.Resolver, serverDID string) *Handler {
	return &Handler{
		Resolver:          resolver,
		ServerDID:         serverDID,
		DefaultMaxMsgSize: DefaultMaxMsgSize,
	}
}

// HandleAuth verifies frame and returns the negotiated response, or an
// auth_fail response paired with the error that caused it.
func (h *Handler) HandleAuth(frame AuthFrame, now time.Time) (*AuthResponse, error) {
	nowUnix := now.Unix()

	if frame.Type != "auth" {
		return fail(nowUnix, "expected auth frame", "invalid_type"), amperrors.InvalidMessage("expected auth frame")
	}
	if frame.DID == "" {
		return fail(nowUnix, "did must not be empty", "invalid_did"), amperrors.InvalidMessage("empty did")
	}
	skew := now.Sub(time.Unix(frame.Timestamp, 0))
	if skew > timestampSkew || skew < -timestampSkew {
		return fail(nowUnix, "timestamp out of acceptable range", "invalid_timestamp"), amperrors.InvalidTimestamp("auth frame timestamp out of range")
	}

	pub, ok := h.Resolver.SigningKey(ampid.DID(frame.DID))
	if !ok {
		return fail(nowUnix, "unknown did", "unauthorized"), amperrors.Unauthorized("no signing key registered for did")
	}

	verified, err := jws.Verify([]byte(frame.Token), jws.WithKey(jwa.EdDSA, pub))
	if err != nil {
		return fail(nowUnix, "signature verification failed", "invalid_signature"), amperrors.InvalidSignature(err.Error())
	}

	var payload challengePayload
	if err := json.Unmarshal(verified, &payload); err != nil {
		return fail(nowUnix, "malformed challenge payload", "invalid_format"), amperrors.InvalidMessage("decode challenge payload: " + err.Error())
	}
	if payload.DID != frame.DID || payload.Nonce != frame.Nonce {
		return fail(nowUnix, "token does not match frame", "invalid_signature"), amperrors.InvalidSignature("challenge payload does not match auth frame")
	}

	negotiated := h.DefaultMaxMsgSize
	if frame.MaxMsgSize > 0 && frame.MaxMsgSize < negotiated {
		negotiated = frame.MaxMsgSize
	}

	return &AuthResponse{
		Type:       "auth_ok",
		ServerDID:  h.ServerDID,
		MaxMsgSize: negotiated,
		Timestamp:  nowUnix,
	}, nil
}

func fail(nowUnix int64, message, code string) *AuthResponse {
	return &AuthResponse{
		Type:      "auth_fail",
		Error:     message,
		ErrorCode: code,
		Timestamp: nowUnix,
	}
}
