package relay

import (
	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/transport"
	"github.com/agentries/amp/pkg/validate"
)

// TransferReceipt is returned by a downstream relay in response to a
// RelayForward, accepting or rejecting custody of one recipient triple.
type TransferReceipt struct {
	ReceiptV        uint8
	Alg             int
	KeyPurpose      string
	Kid             string
	Accepted        bool
	MsgID           validate.MessageID
	FromDID         ampid.DID
	RecipientDID    ampid.DID
	UpstreamRelay   ampid.DID
	DownstreamRelay ampid.DID
}

// CommitReceipt reconciles a federation handoff's final delivery outcome
// back to the upstream relay.
type CommitReceipt struct {
	CommitV         uint8
	Alg             int
	KeyPurpose      string
	Kid             string
	Result          CommitResult
	MsgID           validate.MessageID
	FromDID         ampid.DID
	RecipientDID    ampid.DID
	UpstreamRelay   ampid.DID
	DownstreamRelay ampid.DID
}

func algSupported(alg int, supportedAlgs []int) bool {
	for _, a := range supportedAlgs {
		if a == alg {
			return true
		}
	}
	return false
}

// StartHandoff begins a two-phase federation handoff for one recipient
// triple, marking its transfer state Pending.
func (r *Relay) StartHandoff(from ampid.DID, msgID validate.MessageID, recipient, downstreamRelay ampid.DID, mode transport.TransferMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, entry, err := r.lookup(from, msgID, recipient)
	if err != nil {
		return err
	}
	entry.TransferState = TransferPending
	entry.TransferMode = mode
	entry.DownstreamRelay = downstreamRelay
	entry.HandoffAttempts++
	entry.LastTransferChangeMs = r.nowMs
	return nil
}

// ApplyTransferReceipt validates receipt against fwd and the recipient
// entry's locally-known downstream relay, then advances transfer state to
// Accepted. Single custody clears RetainedLocalCopy; Dual custody keeps it.
func (r *Relay) ApplyTransferReceipt(from ampid.DID, msgID validate.MessageID, recipient ampid.DID, fwd transport.RelayForward, receipt TransferReceipt, supportedAlgs []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, entry, err := r.lookup(from, msgID, recipient)
	if err != nil {
		return err
	}

	if err := validateReceiptCommon(fwd.FwdV, receipt.ReceiptV, receipt.Alg, receipt.KeyPurpose, receipt.Kid, supportedAlgs); err != nil {
		return err
	}
	if !receipt.Accepted {
		return amperrors.Unauthorized("transfer receipt not accepted")
	}
	if err := matchTuple(msgID, from, recipient, fwd.UpstreamRelay, entry.DownstreamRelay,
		receipt.MsgID, receipt.FromDID, receipt.RecipientDID, receipt.UpstreamRelay, receipt.DownstreamRelay); err != nil {
		return err
	}

	entry.TransferState = TransferAccepted
	if entry.TransferMode == transport.TransferModeSingle {
		entry.RetainedLocalCopy = false
	}
	return nil
}

// ApplyCommitReceipt validates receipt, advances transfer state to
// CommitReported, and maps the commit result onto the recipient entry's
// delivery state.
func (r *Relay) ApplyCommitReceipt(from ampid.DID, msgID validate.MessageID, recipient ampid.DID, fwd transport.RelayForward, receipt CommitReceipt, supportedAlgs []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, entry, err := r.lookup(from, msgID, recipient)
	if err != nil {
		return err
	}

	if err := validateReceiptCommon(fwd.FwdV, receipt.CommitV, receipt.Alg, receipt.KeyPurpose, receipt.Kid, supportedAlgs); err != nil {
		return err
	}
	if err := matchTuple(msgID, from, recipient, fwd.UpstreamRelay, entry.DownstreamRelay,
		receipt.MsgID, receipt.FromDID, receipt.RecipientDID, receipt.UpstreamRelay, receipt.DownstreamRelay); err != nil {
		return err
	}

	entry.TransferState = TransferCommitReported
	switch receipt.Result {
	case CommitDelivered:
		entry.State = RecipientDelivered
		entry.RetainedLocalCopy = false
	case CommitFailed:
		entry.State = RecipientFailed
	case CommitExpired:
		entry.State = RecipientExpired
	}
	refreshRecordStatus(record)
	return nil
}

// HandoffTimeoutRollback rolls a still-Pending transfer back if it has sat
// for at least DefaultHandoffAcceptTimeoutMs without a receipt. A no-op
// for any other transfer state.
func (r *Relay) HandoffTimeoutRollback(from ampid.DID, msgID validate.MessageID, recipient ampid.DID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, entry, err := r.lookup(from, msgID, recipient)
	if err != nil {
		return err
	}
	if entry.TransferState != TransferPending {
		return nil
	}
	if r.nowMs >= entry.LastTransferChangeMs && r.nowMs-entry.LastTransferChangeMs >= DefaultHandoffAcceptTimeoutMs {
		entry.TransferState = TransferRolledBack
		entry.LastTransferChangeMs = r.nowMs
	}
	return nil
}

func validateReceiptCommon(fwdV, receiptV uint8, alg int, keyPurpose, kid string, supportedAlgs []int) error {
	if fwdV != transport.TransportWrapperVersionV1 || receiptV != transport.TransportWrapperVersionV1 {
		return amperrors.UnsupportedVersion("fwd_v/receipt_v must be 1")
	}
	if !algSupported(alg, supportedAlgs) {
		return amperrors.Unauthorized("unsupported receipt algorithm")
	}
	if keyPurpose != "assertionMethod" {
		return amperrors.Unauthorized("receipt key purpose must be assertionMethod")
	}
	if kid == "" {
		return amperrors.Unauthorized("receipt kid is empty")
	}
	return nil
}

func matchTuple(msgID validate.MessageID, from, recipient, upstream, downstream ampid.DID,
	rMsgID validate.MessageID, rFrom, rRecipient, rUpstream, rDownstream ampid.DID) error {
	if msgID != rMsgID || from != rFrom || recipient != rRecipient || upstream != rUpstream || downstream != rDownstream {
		return amperrors.Unauthorized("receipt tuple does not match forward")
	}
	return nil
}

// FederationMessage is the minimal shape SplitForFederation needs: the
// original ingress tuple plus the already-built wire bytes to forward.
type FederationMessage struct {
	FromDID       ampid.DID
	MsgID         validate.MessageID
	Recipients    []ampid.DID
	MessageBytes  []byte
	UpstreamRelay ampid.DID
}

// SplitForFederation builds one RelayForward per recipient, all sharing
// identical headers except RecipientDID.
func SplitForFederation(msg FederationMessage, relayPath []ampid.DID, hopLimit uint32, mode transport.TransferMode) []transport.RelayForward {
	out := make([]transport.RelayForward, 0, len(msg.Recipients))
	for _, recipient := range msg.Recipients {
		out = append(out, transport.RelayForward{
			FwdV:          transport.TransportWrapperVersionV1,
			Message:       msg.MessageBytes,
			FromDID:       msg.FromDID,
			RecipientDID:  recipient,
			RelayPath:     relayPath,
			HopLimit:      hopLimit,
			UpstreamRelay: msg.UpstreamRelay,
			TransferMode:  mode,
		})
	}
	return out
}

// ComputeHandoffStep advances relayPath/hopLimit for one more federation
// hop, rejecting loops and hop-limit exhaustion.
func ComputeHandoffStep(localID ampid.DID, relayPath []ampid.DID, hopLimit uint32) ([]ampid.DID, uint32, error) {
	for _, id := range relayPath {
		if id == localID {
			return nil, 0, amperrors.RelayRejected("loop")
		}
	}
	if hopLimit == 0 {
		return nil, 0, amperrors.RelayRejected("exhausted")
	}
	next := make([]ampid.DID, len(relayPath)+1)
	copy(next, relayPath)
	next[len(relayPath)] = localID
	return next, hopLimit - 1, nil
}
