package relay

import (
	"testing"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/ampid"
	"github.com/agentries/amp/pkg/validate"
)

type fakeWriter struct {
	frames [][]byte
}

func (w *fakeWriter) Write(frame []byte) error {
	w.frames = append(w.frames, frame)
	return nil
}

func TestIngressRejectsEmptyRecipients(t *testing.T) {
	r := New("did:example:relay1", nil)
	err := r.Ingress("did:example:alice", validate.MakeMessageID(0, 1), nil, 0, 60_000, nil)
	if !amperrors.Is(err, amperrors.CodeRecipientNotFound) {
		t.Fatalf("expected RECIPIENT_NOT_FOUND, got %v", err)
	}
}

func TestIngressRejectsAlreadyExpired(t *testing.T) {
	r := New("did:example:relay1", nil)
	r.SetNow(100_000)
	err := r.Ingress("did:example:alice", validate.MakeMessageID(0, 1), []ampid.DID{"did:example:bob"}, 0, 1000, nil)
	if !amperrors.Is(err, amperrors.CodeMessageExpired) {
		t.Fatalf("expected MESSAGE_EXPIRED, got %v", err)
	}
}

func TestIngressZeroTTLRequiresAllOnline(t *testing.T) {
	r := New("did:example:relay1", nil)
	online := map[ampid.DID]bool{"did:example:bob": true}

	err := r.Ingress("did:example:alice", validate.MakeMessageID(0, 1), []ampid.DID{"did:example:bob", "did:example:carol"}, 0, 0, online)
	if !amperrors.Is(err, amperrors.CodeRelayRejected) {
		t.Fatalf("expected RELAY_REJECTED, got %v", err)
	}

	online["did:example:carol"] = true
	if err := r.Ingress("did:example:alice", validate.MakeMessageID(0, 2), []ampid.DID{"did:example:bob", "did:example:carol"}, 0, 0, online); err != nil {
		t.Fatalf("expected success with all recipients online, got %v", err)
	}

	polled := r.Poll("did:example:bob")
	if len(polled) != 0 {
		t.Error("ttl=0 ingress must not create queue state")
	}
}

func TestIngressIsIdempotentPerRecipient(t *testing.T) {
	r := New("did:example:relay1", nil)
	msgID := validate.MakeMessageID(0, 1)
	recipients := []ampid.DID{"did:example:bob"}

	if err := r.Ingress("did:example:alice", msgID, recipients, 0, 60_000, nil); err != nil {
		t.Fatalf("first ingress failed: %v", err)
	}
	if err := r.Ingress("did:example:alice", msgID, recipients, 0, 60_000, nil); err != nil {
		t.Fatalf("second ingress failed: %v", err)
	}

	polled := r.Poll("did:example:bob")
	if len(polled) != 1 {
		t.Fatalf("expected exactly one deliverable after idempotent re-ingress, got %d", len(polled))
	}
}

func TestPollMarksEntriesInflightAndRedelivers(t *testing.T) {
	r := New("did:example:relay1", nil)
	msgID := validate.MakeMessageID(0, 1)
	if err := r.Ingress("did:example:alice", msgID, []ampid.DID{"did:example:bob"}, 0, 60_000, nil); err != nil {
		t.Fatalf("ingress failed: %v", err)
	}

	first := r.Poll("did:example:bob")
	if len(first) != 1 {
		t.Fatalf("expected 1 result, got %d", len(first))
	}

	second := r.Poll("did:example:bob")
	if len(second) != 1 {
		t.Fatalf("inflight entries should still redeliver on poll, got %d", len(second))
	}
}

func TestAckRecipientMarksDeliveredAndStopsRedelivery(t *testing.T) {
	r := New("did:example:relay1", nil)
	msgID := validate.MakeMessageID(0, 1)
	if err := r.Ingress("did:example:alice", msgID, []ampid.DID{"did:example:bob"}, 0, 60_000, nil); err != nil {
		t.Fatalf("ingress failed: %v", err)
	}
	r.Poll("did:example:bob")

	if err := r.AckRecipient("did:example:alice", msgID, "did:example:bob"); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	if polled := r.Poll("did:example:bob"); len(polled) != 0 {
		t.Errorf("delivered entries should not redeliver, got %d", len(polled))
	}
}

func TestAckRecipientUnknownTripleFails(t *testing.T) {
	r := New("did:example:relay1", nil)
	err := r.AckRecipient("did:example:alice", validate.MakeMessageID(0, 1), "did:example:bob")
	if !amperrors.Is(err, amperrors.CodeRecipientNotFound) {
		t.Fatalf("expected RECIPIENT_NOT_FOUND, got %v", err)
	}
}

func TestExpireMarksNonTerminalEntriesExpired(t *testing.T) {
	r := New("did:example:relay1", nil)
	msgID := validate.MakeMessageID(0, 1)
	if err := r.Ingress("did:example:alice", msgID, []ampid.DID{"did:example:bob"}, 0, 1000, nil); err != nil {
		t.Fatalf("ingress failed: %v", err)
	}

	r.SetNow(2000)
	r.Expire()

	if polled := r.Poll("did:example:bob"); len(polled) != 0 {
		t.Error("expired entries must not redeliver")
	}
}

func TestExpireLeavesDeliveredEntriesAlone(t *testing.T) {
	r := New("did:example:relay1", nil)
	msgID := validate.MakeMessageID(0, 1)
	if err := r.Ingress("did:example:alice", msgID, []ampid.DID{"did:example:bob"}, 0, 1000, nil); err != nil {
		t.Fatalf("ingress failed: %v", err)
	}
	if err := r.AckRecipient("did:example:alice", msgID, "did:example:bob"); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	r.SetNow(2000)
	r.Expire()

	record, entry, err := r.lookup("did:example:alice", msgID, "did:example:bob")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if entry.State != RecipientDelivered {
		t.Errorf("delivered entry should remain Delivered after expiry sweep, got %v", entry.State)
	}
	if record.Status != QueueDone {
		t.Errorf("record with all-delivered recipients should be Done, got %v", record.Status)
	}
}

func TestRegisterWriterDeliverFrameAndDeregister(t *testing.T) {
	r := New("did:example:relay1", nil)
	w := &fakeWriter{}
	deregister := r.RegisterWriter("did:example:bob", w)

	delivered, err := r.DeliverFrame("did:example:bob", []byte("frame"))
	if err != nil || !delivered {
		t.Fatalf("expected delivery to succeed, got delivered=%v err=%v", delivered, err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("expected 1 frame recorded, got %d", len(w.frames))
	}

	deregister()
	delivered, err = r.DeliverFrame("did:example:bob", []byte("frame2"))
	if err != nil {
		t.Fatalf("unexpected error after deregister: %v", err)
	}
	if delivered {
		t.Error("expected no writer after deregister")
	}
}

func TestRegisterWriterRefCounting(t *testing.T) {
	r := New("did:example:relay1", nil)
	w1 := &fakeWriter{}
	w2 := &fakeWriter{}

	dereg1 := r.RegisterWriter("did:example:bob", w1)
	dereg2 := r.RegisterWriter("did:example:bob", w2)

	dereg1()
	delivered, _ := r.DeliverFrame("did:example:bob", []byte("x"))
	if !delivered {
		t.Error("second registration should still be active after first deregisters")
	}

	dereg2()
	delivered, _ = r.DeliverFrame("did:example:bob", []byte("x"))
	if delivered {
		t.Error("writer should be gone after both deregister")
	}
}
