// Package transport implements the request/response wrappers used for
// polling and relay federation, and the principal-binding checks that
// tie an authenticated transport peer to a wrapper's declared role.
package transport

import (
	"fmt"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/codec"
	"github.com/agentries/amp/pkg/wire"
)

// TransportWrapperVersionV1 is the only wrapper version every decoder in
// this package currently accepts.
const TransportWrapperVersionV1 = 1

// TransferMode distinguishes single-custody (ownership transfers) from
// dual-custody (both relays retain until commit) federation handoffs.
type TransferMode uint8

const (
	TransferModeSingle TransferMode = iota
	TransferModeDual
)

// PollResponse is the wrapper returned from a poll request.
type PollResponse struct {
	Messages   [][]byte
	NextCursor []byte
	HasMore    bool
}

type cborPollResponse struct {
	V          uint8    `cbor:"1,keyasint"`
	Messages   [][]byte `cbor:"2,keyasint"`
	NextCursor []byte   `cbor:"3,keyasint,omitempty"`
	HasMore    bool     `cbor:"4,keyasint"`
}

// DecodePollResponse decodes and validates a Poll-Response wrapper. Every
// element of Messages must peek as a valid wire record.
func DecodePollResponse(data []byte) (*PollResponse, error) {
	var w cborPollResponse
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, amperrors.InvalidMessage("malformed poll response: " + err.Error())
	}
	if w.V != TransportWrapperVersionV1 {
		return nil, amperrors.UnsupportedVersion(fmt.Sprintf("poll response version %d", w.V))
	}
	for i, msg := range w.Messages {
		if _, err := wire.Peek(msg); err != nil {
			return nil, amperrors.InvalidMessage(fmt.Sprintf("message at index %d: %v", i, err))
		}
	}
	return &PollResponse{Messages: w.Messages, NextCursor: w.NextCursor, HasMore: w.HasMore}, nil
}

// EncodePollResponse encodes a Poll-Response wrapper.
func EncodePollResponse(p PollResponse) ([]byte, error) {
	w := cborPollResponse{V: TransportWrapperVersionV1, Messages: p.Messages, NextCursor: p.NextCursor, HasMore: p.HasMore}
	return codec.Marshal(w)
}

// RelayForward is the wire-level federation wrapper carrying one message
// to one recipient via a chain of relays. It deliberately does not carry
// downstream_relay: that is local bookkeeping the relay engine tracks per
// recipient entry (see DESIGN.md for the reconciliation with the richer
// internal representation used by receipt validation).
type RelayForward struct {
	FwdV          uint8
	Message       []byte
	FromDID       ampid.DID
	RecipientDID  ampid.DID
	RelayPath     []ampid.DID
	HopLimit      uint32
	UpstreamRelay ampid.DID
	TransferMode  TransferMode
}

type cborRelayForward struct {
	FwdV          uint8    `cbor:"1,keyasint"`
	Message       []byte   `cbor:"2,keyasint"`
	FromDID       string   `cbor:"3,keyasint"`
	RecipientDID  string   `cbor:"4,keyasint"`
	RelayPath     []string `cbor:"5,keyasint"`
	HopLimit      uint32   `cbor:"6,keyasint"`
	UpstreamRelay string   `cbor:"7,keyasint"`
	TransferMode  uint8    `cbor:"8,keyasint"`
}

// DecodeRelayForward decodes and validates a Relay-Forward wrapper,
// peeking the inner message and enforcing routing.from == from_did and
// recipient_did ∈ routing.to.
func DecodeRelayForward(data []byte) (*RelayForward, error) {
	var w cborRelayForward
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, amperrors.InvalidMessage("malformed relay forward: " + err.Error())
	}
	if w.FwdV != TransportWrapperVersionV1 {
		return nil, amperrors.UnsupportedVersion(fmt.Sprintf("relay forward fwd_v %d", w.FwdV))
	}
	if w.HopLimit == 0 {
		return nil, amperrors.RelayRejected("hop limit must be positive")
	}
	if w.UpstreamRelay == "" {
		return nil, amperrors.InvalidMessage("upstream_relay is empty")
	}

	routing, err := wire.Peek(w.Message)
	if err != nil {
		return nil, err
	}
	if string(routing.From) != w.FromDID {
		return nil, amperrors.InvalidMessage("routing.from does not match from_did")
	}
	recipientOK := false
	for _, to := range routing.To {
		if string(to) == w.RecipientDID {
			recipientOK = true
			break
		}
	}
	if !recipientOK {
		return nil, amperrors.InvalidMessage("recipient_did not present in routing.to")
	}

	relayPath := make([]ampid.DID, len(w.RelayPath))
	for i, r := range w.RelayPath {
		relayPath[i] = ampid.DID(r)
	}

	return &RelayForward{
		FwdV:          w.FwdV,
		Message:       w.Message,
		FromDID:       ampid.DID(w.FromDID),
		RecipientDID:  ampid.DID(w.RecipientDID),
		RelayPath:     relayPath,
		HopLimit:      w.HopLimit,
		UpstreamRelay: ampid.DID(w.UpstreamRelay),
		TransferMode:  TransferMode(w.TransferMode),
	}, nil
}

// EncodeRelayForward encodes a Relay-Forward wrapper.
func EncodeRelayForward(f RelayForward) ([]byte, error) {
	relayPath := make([]string, len(f.RelayPath))
	for i, r := range f.RelayPath {
		relayPath[i] = string(r)
	}
	w := cborRelayForward{
		FwdV:          firstNonZero(f.FwdV, TransportWrapperVersionV1),
		Message:       f.Message,
		FromDID:       string(f.FromDID),
		RecipientDID:  string(f.RecipientDID),
		RelayPath:     relayPath,
		HopLimit:      f.HopLimit,
		UpstreamRelay: string(f.UpstreamRelay),
		TransferMode:  uint8(f.TransferMode),
	}
	return codec.Marshal(w)
}

// CommitReport carries a non-empty commit receipt back to an upstream
// relay, reconciling a prior federation handoff.
type CommitReport struct {
	CommitReceipt []byte
}

type cborCommitReport struct {
	CommitV       uint8  `cbor:"1,keyasint"`
	CommitReceipt []byte `cbor:"2,keyasint"`
}

// DecodeCommitReport decodes and validates a Commit-Report wrapper.
func DecodeCommitReport(data []byte) (*CommitReport, error) {
	var w cborCommitReport
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, amperrors.InvalidMessage("malformed commit report: " + err.Error())
	}
	if w.CommitV != TransportWrapperVersionV1 {
		return nil, amperrors.UnsupportedVersion(fmt.Sprintf("commit report commit_v %d", w.CommitV))
	}
	if len(w.CommitReceipt) == 0 {
		return nil, amperrors.InvalidMessage("commit_receipt is empty")
	}
	return &CommitReport{CommitReceipt: w.CommitReceipt}, nil
}

// EncodeCommitReport encodes a Commit-Report wrapper.
func EncodeCommitReport(c CommitReport) ([]byte, error) {
	w := cborCommitReport{CommitV: TransportWrapperVersionV1, CommitReceipt: c.CommitReceipt}
	return codec.Marshal(w)
}

func firstNonZero(v, fallback uint8) uint8 {
	if v == 0 {
		return fallback
	}
	return v
}

// ValidateStrictPrincipalBinding enforces that, for a user-to-relay
// submission, the authenticated transport principal must be the inner
// message's sender.
func ValidateStrictPrincipalBinding(principal ampid.DID, routing wire.RoutingEnvelope) error {
	if principal != routing.From {
		return amperrors.Unauthorized("transport principal does not match message sender")
	}
	return nil
}

// ValidateRelayForwardPrincipalBinding enforces that the principal must
// be the forward's declared upstream relay.
func ValidateRelayForwardPrincipalBinding(principal ampid.DID, fwd RelayForward) error {
	if principal != fwd.UpstreamRelay {
		return amperrors.Unauthorized("transport principal does not match upstream_relay")
	}
	return nil
}

// ValidateRelayCommitPrincipalBinding enforces that the principal must be
// the receipt's declared downstream relay.
func ValidateRelayCommitPrincipalBinding(principal ampid.DID, downstreamRelay ampid.DID) error {
	if principal != downstreamRelay {
		return amperrors.Unauthorized("transport principal does not match downstream_relay")
	}
	return nil
}
