// Package relay implements the relay state engine: a
// per-recipient state machine for queued messages, supporting polling
// redelivery, idempotent ingress, TTL expiry, and a two-phase federation
// handoff protocol.
package relay

import (
	"sync"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/transport"
	"github.com/agentries/amp/pkg/validate"
	"go.uber.org/zap"
)

// DefaultHandoffAcceptTimeoutMs bounds how long a Pending transfer may sit
// before HandoffTimeoutRollback is eligible to roll it back.
const DefaultHandoffAcceptTimeoutMs uint64 = 5_000

// DefaultHandoffMaxAttempts bounds how many times a single recipient
// entry's handoff may be retried. The relay tracks the count but leaves
// enforcing the cutoff to the caller driving retries.
const DefaultHandoffMaxAttempts = 3

// RecipientState is the delivery state of one (from, msg_id, recipient)
// triple.
type RecipientState int

const (
	RecipientPending RecipientState = iota
	RecipientInflight
	RecipientDelivered
	RecipientFailed
	RecipientExpired
)

// IsTerminal reports whether s is one of Delivered, Failed, Expired.
func (s RecipientState) IsTerminal() bool {
	switch s {
	case RecipientDelivered, RecipientFailed, RecipientExpired:
		return true
	default:
		return false
	}
}

// QueueStatus is the overall status of a QueueRecord.
type QueueStatus int

const (
	QueueQueued QueueStatus = iota
	QueueDispatching
	QueueDone
	QueueExpired
	QueueRejected
)

// TransferState tracks a federation handoff's progress for one recipient.
type TransferState int

const (
	TransferNone TransferState = iota
	TransferPending
	TransferAccepted
	TransferRolledBack
	TransferCommitReported
)

// CommitResult is the outcome reported by a downstream relay's commit
// receipt.
type CommitResult int

const (
	CommitDelivered CommitResult = iota
	CommitFailed
	CommitExpired
)

// RecipientEntry is the per-recipient state inside a QueueRecord.
type RecipientEntry struct {
	State                RecipientState
	RetainedLocalCopy    bool
	TransferState        TransferState
	TransferMode         transport.TransferMode
	DownstreamRelay      ampid.DID
	LastTransferChangeMs uint64
	HandoffAttempts      int
}

// QueueRecord is keyed by (from_did, msg_id) and tracks every recipient of
// one ingressed message.
type QueueRecord struct {
	FromDID      ampid.DID
	MsgID        validate.MessageID
	AcceptedAtMs uint64
	ExpiresAtMs  uint64
	Status       QueueStatus
	Recipients   map[ampid.DID]*RecipientEntry
}

type recordKey struct {
	from  ampid.DID
	msgID validate.MessageID
}

type dedupKey struct {
	from      ampid.DID
	msgID     validate.MessageID
	recipient ampid.DID
}

// Writer is the minimal interface a connection must expose to receive
// relay-emitted frames. It mirrors a single outbound socket half.
type Writer interface {
	Write(frame []byte) error
}

type writerHandle struct {
	w    Writer
	refs int
}

// Relay holds the coarse-locked engine state: one mutex guards the dedup
// set, the queue record map, and the DID-indexed writer registry
// together, since they share a lifetime with the Relay value.
type Relay struct {
	mu sync.Mutex

	relayID ampid.DID
	nowMs   uint64

	dedup   map[dedupKey]struct{}
	records map[recordKey]*QueueRecord
	writers map[ampid.DID]*writerHandle

	log *zap.Logger
}

// New returns an empty relay identified by relayID. log may be nil, in
// which case a no-op logger is used.
func New(relayID ampid.DID, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		relayID: relayID,
		dedup:   make(map[dedupKey]struct{}),
		records: make(map[recordKey]*QueueRecord),
		writers: make(map[ampid.DID]*writerHandle),
		log:     log,
	}
}

// SetNow injects the relay's notion of current time. The engine never
// reads the wall clock itself, which keeps expiry and timeout logic
// deterministic under test.
func (r *Relay) SetNow(nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowMs = nowMs
}

// RegisterWriter associates w with did, incrementing its reference count,
// and returns a deregistration function the caller must invoke on
// connection teardown.
func (r *Relay) RegisterWriter(did ampid.DID, w Writer) func() {
	r.mu.Lock()
	h, ok := r.writers[did]
	if !ok {
		h = &writerHandle{}
		r.writers[did] = h
	}
	h.w = w
	h.refs++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			cur, ok := r.writers[did]
			if !ok || cur != h {
				return
			}
			cur.refs--
			if cur.refs <= 0 {
				delete(r.writers, did)
			}
		})
	}
}

// DeliverFrame writes frame to did's registered writer, if any. It reports
// whether a writer was found; I/O errors are logged and returned but never
// panic the caller, since a write failure should not take down the relay.
func (r *Relay) DeliverFrame(did ampid.DID, frame []byte) (bool, error) {
	r.mu.Lock()
	h, ok := r.writers[did]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := h.w.Write(frame); err != nil {
		r.log.Warn("relay: deliver frame failed", zap.String("did", string(did)), zap.Error(err))
		return true, err
	}
	return true, nil
}

// Ingress accepts a message tuple into the relay:
//   - empty recipients fails RECIPIENT_NOT_FOUND;
//   - already-expired (now > ts+ttl) fails MESSAGE_EXPIRED;
//   - ttl=0 requires every recipient online, else RELAY_REJECTED, and on
//     success creates no queue state (pure direct-forward);
//   - ttl>0 dedups per (from,msg_id,recipient) and creates Pending entries
//     idempotently.
func (r *Relay) Ingress(from ampid.DID, msgID validate.MessageID, recipients []ampid.DID, tsMs, ttlMs uint64, recipientOnline map[ampid.DID]bool) error {
	if len(recipients) == 0 {
		return amperrors.RecipientNotFound("message has no recipients")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt := validate.SaturatingAddU64(tsMs, ttlMs)
	if r.nowMs > expiresAt {
		return amperrors.MessageExpired("ingress after expiry")
	}

	if ttlMs == 0 {
		for _, recipient := range recipients {
			if !recipientOnline[recipient] {
				return amperrors.RelayRejected("ttl=0 requires all recipients online")
			}
		}
		return nil
	}

	key := recordKey{from: from, msgID: msgID}
	record, ok := r.records[key]
	if !ok {
		record = &QueueRecord{
			FromDID:      from,
			MsgID:        msgID,
			AcceptedAtMs: r.nowMs,
			ExpiresAtMs:  expiresAt,
			Status:       QueueQueued,
			Recipients:   make(map[ampid.DID]*RecipientEntry),
		}
		r.records[key] = record
	}

	for _, recipient := range recipients {
		dk := dedupKey{from: from, msgID: msgID, recipient: recipient}
		if _, seen := r.dedup[dk]; seen {
			continue
		}
		r.dedup[dk] = struct{}{}
		record.Recipients[recipient] = &RecipientEntry{
			State:             RecipientPending,
			RetainedLocalCopy: true,
			TransferState:     TransferNone,
		}
	}

	r.log.Debug("relay: ingress",
		zap.String("from", string(from)),
		zap.Int("recipients", len(recipients)))
	return nil
}

// PollResult is one deliverable emitted by Poll.
type PollResult struct {
	FromDID ampid.DID
	MsgID   validate.MessageID
}

// Poll redelivers every Pending or Inflight entry addressed to recipient,
// marking each Inflight as it is emitted.
func (r *Relay) Poll(recipient ampid.DID) []PollResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PollResult
	for key, record := range r.records {
		entry, ok := record.Recipients[recipient]
		if !ok {
			continue
		}
		if entry.State == RecipientPending || entry.State == RecipientInflight {
			entry.State = RecipientInflight
			out = append(out, PollResult{FromDID: key.from, MsgID: key.msgID})
		}
	}
	return out
}

// AckRecipient marks a recipient's entry Delivered and recomputes the
// owning record's status.
func (r *Relay) AckRecipient(from ampid.DID, msgID validate.MessageID, recipient ampid.DID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, entry, err := r.lookup(from, msgID, recipient)
	if err != nil {
		return err
	}
	entry.State = RecipientDelivered
	refreshRecordStatus(record)
	return nil
}

// Expire walks every record; any whose expiry has passed has every
// non-terminal recipient entry marked Expired, and the record's status
// recomputed: Expired if any entry is Expired, Done if every entry had
// already reached Delivered or Failed.
func (r *Relay) Expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records {
		if r.nowMs <= record.ExpiresAtMs {
			continue
		}
		for _, entry := range record.Recipients {
			if !entry.State.IsTerminal() {
				entry.State = RecipientExpired
			}
		}
		refreshRecordStatus(record)
	}
}

func (r *Relay) lookup(from ampid.DID, msgID validate.MessageID, recipient ampid.DID) (*QueueRecord, *RecipientEntry, error) {
	record, ok := r.records[recordKey{from: from, msgID: msgID}]
	if !ok {
		return nil, nil, amperrors.RecipientNotFound("no queue record for (from, msg_id)")
	}
	entry, ok := record.Recipients[recipient]
	if !ok {
		return nil, nil, amperrors.RecipientNotFound("no recipient entry")
	}
	return record, entry, nil
}

// refreshRecordStatus recomputes a record's overall status: Done iff every
// recipient is terminal and none is Expired; Expired iff at least one
// recipient is Expired and all are terminal; otherwise left as-is
// (Queued/Dispatching are driven by ingress/poll elsewhere).
func refreshRecordStatus(record *QueueRecord) {
	allTerminal := true
	anyExpired := false
	for _, entry := range record.Recipients {
		if !entry.State.IsTerminal() {
			allTerminal = false
		}
		if entry.State == RecipientExpired {
			anyExpired = true
		}
	}
	if !allTerminal {
		return
	}
	if anyExpired {
		record.Status = QueueExpired
	} else {
		record.Status = QueueDone
	}
}
