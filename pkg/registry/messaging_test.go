package registry

import (
	"errors"
	"testing"

	"argo/pkg/cierrors"
	"argo/pkg/proto"
)

// fakeTransport records deliveries and optionally fails named targets.
type fakeTransport struct {
	delivered []*proto.Message
	failTo    map[string]bool
}

func (f *fakeTransport) Deliver(fd int, msg *proto.Message) error {
	if f.failTo[msg.To] {
		return errors.New("connection reset")
	}
	f.delivered = append(f.delivered, msg)
	return nil
}

func wireMsg(t *testing.T, from, to, content string) []byte {
	t.Helper()
	data, err := proto.NewMessage(from, to, "request", content).ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newRoutingRegistry(t *testing.T) (*Registry, *fakeTransport) {
	t.Helper()
	r := New()
	tr := &fakeTransport{failTo: make(map[string]bool)}
	r.SetTransport(tr)

	r.AddCI("builder-1", "builder", "gpt-4o", 9000)
	r.AddCI("builder-2", "builder", "gpt-4o", 9001)
	r.AddCI("coordinator-1", "coordinator", "claude", 9010)
	r.UpdateStatus("builder-1", proto.StatusReady)
	r.UpdateStatus("builder-2", proto.StatusReady)
	r.UpdateStatus("coordinator-1", proto.StatusReady)
	return r, tr
}

func TestSendMessageDelivers(t *testing.T) {
	r, tr := newRoutingRegistry(t)

	err := r.SendMessage("builder-1", "coordinator-1", wireMsg(t, "builder-1", "coordinator-1", "done"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(tr.delivered) != 1 || tr.delivered[0].Content != "done" {
		t.Errorf("delivered = %+v", tr.delivered)
	}

	from, _ := r.FindCI("builder-1")
	to, _ := r.FindCI("coordinator-1")
	if from.MessagesSent != 1 {
		t.Errorf("sender MessagesSent = %d, want 1", from.MessagesSent)
	}
	if to.MessagesReceived != 1 {
		t.Errorf("recipient MessagesReceived = %d, want 1", to.MessagesReceived)
	}
}

func TestSendToUnknownName(t *testing.T) {
	r, tr := newRoutingRegistry(t)

	err := r.SendMessage("builder-1", "ghost", wireMsg(t, "builder-1", "ghost", "hi"))
	if !cierrors.IsKind(err, cierrors.KindNotFound) {
		t.Fatalf("send to unknown should fail KindNotFound, got %v", err)
	}
	if len(tr.delivered) != 0 {
		t.Error("no transport op expected for unknown recipient")
	}
	// No counters move on a failed lookup.
	from, _ := r.FindCI("builder-1")
	if from.MessagesSent != 0 {
		t.Errorf("sender counter should be untouched, got %d", from.MessagesSent)
	}
}

func TestSendToOfflineRecipient(t *testing.T) {
	r, tr := newRoutingRegistry(t)
	r.UpdateStatus("coordinator-1", proto.StatusOffline)

	err := r.SendMessage("builder-1", "coordinator-1", wireMsg(t, "builder-1", "coordinator-1", "hi"))
	if !cierrors.IsKind(err, cierrors.KindStateConflict) {
		t.Fatalf("send to offline recipient should fail KindStateConflict, got %v", err)
	}
	if len(tr.delivered) != 0 {
		t.Error("no transport op expected for offline recipient")
	}
}

func TestSendMalformedPayload(t *testing.T) {
	r, _ := newRoutingRegistry(t)

	err := r.SendMessage("builder-1", "coordinator-1", []byte(`{"from":`))
	if !cierrors.IsKind(err, cierrors.KindProtocol) {
		t.Fatalf("malformed payload should fail KindProtocol, got %v", err)
	}
	// Parse runs before counter updates.
	to, _ := r.FindCI("coordinator-1")
	if to.MessagesReceived != 0 {
		t.Errorf("recipient counter should be untouched, got %d", to.MessagesReceived)
	}
}

func TestSendTransportFailureStampsRecipient(t *testing.T) {
	r, tr := newRoutingRegistry(t)
	tr.failTo["coordinator-1"] = true

	err := r.SendMessage("builder-1", "coordinator-1", wireMsg(t, "builder-1", "coordinator-1", "hi"))
	if !cierrors.IsKind(err, cierrors.KindTransport) {
		t.Fatalf("transport failure should surface KindTransport, got %v", err)
	}

	to, _ := r.FindCI("coordinator-1")
	if to.ErrorsCount != 1 {
		t.Errorf("recipient ErrorsCount = %d, want 1", to.ErrorsCount)
	}
	if to.LastError.IsZero() {
		t.Error("recipient LastError should be stamped")
	}
	// Counters were already incremented before the attempt.
	if to.MessagesReceived != 1 {
		t.Errorf("recipient MessagesReceived = %d, want 1", to.MessagesReceived)
	}
}

func TestBroadcastSkipsSenderAndFiltersRole(t *testing.T) {
	r, tr := newRoutingRegistry(t)

	delivered, err := r.BroadcastMessage("builder-1", "builder", wireMsg(t, "builder-1", "builder-2", "sync"))
	if err != nil {
		t.Fatalf("BroadcastMessage: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (builder-2 only)", delivered)
	}
	if len(tr.delivered) != 1 || tr.delivered[0].To != "builder-2" {
		t.Errorf("broadcast should reach builder-2 only: %+v", tr.delivered)
	}
}

func TestBroadcastSkipsNonLive(t *testing.T) {
	r, tr := newRoutingRegistry(t)
	r.UpdateStatus("builder-2", proto.StatusError)

	delivered, err := r.BroadcastMessage("coordinator-1", "", wireMsg(t, "coordinator-1", "all", "ping"))
	if err != nil {
		t.Fatalf("BroadcastMessage: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (builder-1 only)", delivered)
	}
	for _, msg := range tr.delivered {
		if msg.To == "builder-2" {
			t.Error("ERROR-status CI must not receive broadcasts")
		}
	}
}

func TestBroadcastNoEligibleRecipients(t *testing.T) {
	r, tr := newRoutingRegistry(t)

	_, err := r.BroadcastMessage("builder-1", "librarian", wireMsg(t, "builder-1", "all", "ping"))
	if !cierrors.IsKind(err, cierrors.KindNotFound) {
		t.Fatalf("zero matches should fail KindNotFound, got %v", err)
	}
	if len(tr.delivered) != 0 {
		t.Error("no transport op expected with zero eligible recipients")
	}
}

func TestBroadcastEmptyRegistry(t *testing.T) {
	r := New()
	r.SetTransport(&fakeTransport{})

	_, err := r.BroadcastMessage("builder-1", "", []byte(`{"from":"builder-1","to":"all","type":"request","content":"x"}`))
	if !cierrors.IsKind(err, cierrors.KindNotFound) {
		t.Errorf("empty registry broadcast should fail, got %v", err)
	}
}

func TestBroadcastPartialFailureStillSucceeds(t *testing.T) {
	r, tr := newRoutingRegistry(t)
	tr.failTo["builder-1"] = true

	delivered, err := r.BroadcastMessage("coordinator-1", "builder", wireMsg(t, "coordinator-1", "all", "ping"))
	if err != nil {
		t.Fatalf("one successful delivery should satisfy a broadcast: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestBroadcastAllDeliveriesFail(t *testing.T) {
	r, tr := newRoutingRegistry(t)
	tr.failTo["builder-1"] = true
	tr.failTo["builder-2"] = true

	_, err := r.BroadcastMessage("coordinator-1", "builder", wireMsg(t, "coordinator-1", "all", "ping"))
	if !cierrors.IsKind(err, cierrors.KindTransport) {
		t.Errorf("all-failed broadcast should fail KindTransport, got %v", err)
	}
}

func TestSendWithoutTransport(t *testing.T) {
	r := New()
	r.AddCI("builder-1", "builder", "gpt-4o", 9000)
	r.AddCI("coordinator-1", "coordinator", "claude", 9010)
	r.UpdateStatus("coordinator-1", proto.StatusReady)

	err := r.SendMessage("builder-1", "coordinator-1", wireMsg(t, "builder-1", "coordinator-1", "hi"))
	if !cierrors.IsKind(err, cierrors.KindTransport) {
		t.Errorf("send with no transport attached should fail KindTransport, got %v", err)
	}
}
