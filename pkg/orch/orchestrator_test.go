package orch

import (
	"testing"

	"argo/pkg/cierrors"
	"argo/pkg/eventlog"
	"argo/pkg/lifecycle"
	"argo/pkg/memory"
	"argo/pkg/proto"
	"argo/pkg/registry"
)

type fakeTransport struct {
	delivered []*proto.Message
}

func (f *fakeTransport) Deliver(fd int, msg *proto.Message) error {
	f.delivered = append(f.delivered, msg)
	return nil
}

func newTestOrch(t *testing.T) (*Orchestrator, *fakeTransport) {
	t.Helper()
	reg := registry.New()
	tr := &fakeTransport{}
	reg.SetTransport(tr)
	mgr := lifecycle.NewManager(reg)
	o, err := New("sess-1", reg, mgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, tr
}

// Brings a CI to READY through the normal startup events.
func readyCI(t *testing.T, o *Orchestrator, name, role string) {
	t.Helper()
	if _, err := o.AddCI(name, role, "claude-sonnet-4"); err != nil {
		t.Fatalf("AddCI(%s): %v", name, err)
	}
	if err := o.StartCI(name); err != nil {
		t.Fatalf("StartCI(%s): %v", name, err)
	}
	if err := o.mgr.Transition(name, proto.EventReady, "startup complete"); err != nil {
		t.Fatalf("Transition(%s): %v", name, err)
	}
}

func TestNewRequiresSession(t *testing.T) {
	reg := registry.New()
	mgr := lifecycle.NewManager(reg)
	if _, err := New("", reg, mgr); !cierrors.IsKind(err, cierrors.KindInput) {
		t.Errorf("empty session should be KindInput, got %v", err)
	}
}

func TestTaskFlow(t *testing.T) {
	o, _ := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")

	if err := o.AssignTask("builder-1", "wire the parser"); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	st := o.Status()
	if st.Busy != 1 {
		t.Errorf("Busy = %d, want 1", st.Busy)
	}

	if err := o.CompleteTask("builder-1", true); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if o.Status().Busy != 0 {
		t.Error("CI should be READY after task completion")
	}
}

func TestSendMessageRoutesAndAudits(t *testing.T) {
	o, tr := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")
	readyCI(t, o, "coordinator-1", "coordinator")

	dir := t.TempDir()
	audit, err := eventlog.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()
	o.SetAudit(audit)

	if err := o.SendMessage("builder-1", "coordinator-1", "request", "review please"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(tr.delivered) != 1 || tr.delivered[0].Content != "review please" {
		t.Fatalf("delivered = %+v", tr.delivered)
	}

	logged, err := eventlog.ReadMessages(audit.CurrentLogFile())
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 || logged[0].To != "coordinator-1" {
		t.Errorf("audit log = %+v", logged)
	}
}

func TestSendMessageToUnknownCI(t *testing.T) {
	o, _ := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")

	err := o.SendMessage("builder-1", "ghost", "request", "hello")
	if !cierrors.IsKind(err, cierrors.KindNotFound) {
		t.Errorf("want KindNotFound, got %v", err)
	}
}

func TestBroadcastByRole(t *testing.T) {
	o, tr := newTestOrch(t)
	readyCI(t, o, "coordinator-1", "coordinator")
	readyCI(t, o, "builder-1", "builder")
	readyCI(t, o, "builder-2", "builder")

	n, err := o.Broadcast("coordinator-1", "builder", "task", "sync up")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 2 || len(tr.delivered) != 2 {
		t.Errorf("delivered %d/%d, want 2", n, len(tr.delivered))
	}

	if _, err := o.Broadcast("coordinator-1", "analysis", "task", "x"); !cierrors.IsKind(err, cierrors.KindNotFound) {
		t.Errorf("no matching role should be KindNotFound, got %v", err)
	}
}

func TestStatusCounts(t *testing.T) {
	o, _ := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")
	if _, err := o.AddCI("builder-2", "builder", "gpt-5"); err != nil {
		t.Fatal(err)
	}

	st := o.Status()
	if st.SessionID != "sess-1" || st.CICount != 2 || st.Online != 1 {
		t.Errorf("Status = %+v", st)
	}

	data, err := o.StatusJSON()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("empty status JSON")
	}
}

func TestStartCISurfacesSunriseDigest(t *testing.T) {
	o, _ := newTestOrch(t)

	mem, err := memory.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()
	tc, err := memory.NewTokenCounter("claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}
	o.SetMemory(mem, tc, 8192)

	// Seed memory from an earlier session of this CI.
	if err := mem.SetSunriseBrief("sess-1", "builder-1", "resume the parser work"); err != nil {
		t.Fatal(err)
	}
	if err := mem.AddBreadcrumb("sess-1", "builder-1", "tests half done"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddItem("sess-1", "builder-1", memory.TypeDecision, "chose unix sockets"); err != nil {
		t.Fatal(err)
	}

	if _, err := o.AddCI("builder-1", "builder", "claude-sonnet-4"); err != nil {
		t.Fatal(err)
	}
	if err := o.StartCI("builder-1"); err != nil {
		t.Fatalf("StartCI with memory attached: %v", err)
	}

	d, err := o.SunriseDigest("builder-1")
	if err != nil {
		t.Fatalf("SunriseDigest: %v", err)
	}
	if d.SunriseBrief != "resume the parser work" {
		t.Errorf("brief = %q", d.SunriseBrief)
	}
	if len(d.Breadcrumbs) != 1 || len(d.Items) != 1 {
		t.Errorf("digest = %+v", d)
	}
	if d.TokenBudget != 8192*memory.DigestPercentage/100 {
		t.Errorf("budget = %d", d.TokenBudget)
	}
}

func TestSunriseDigestWithoutMemory(t *testing.T) {
	o, _ := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")

	if _, err := o.SunriseDigest("builder-1"); !cierrors.IsKind(err, cierrors.KindStateConflict) {
		t.Errorf("want KindStateConflict without a store, got %v", err)
	}
}

func TestStopAndRestart(t *testing.T) {
	o, _ := newTestOrch(t)
	readyCI(t, o, "builder-1", "builder")

	if err := o.StopCI("builder-1", true); err != nil {
		t.Fatalf("StopCI: %v", err)
	}
	ci, err := o.mgr.GetCI("builder-1")
	if err != nil {
		t.Fatal(err)
	}
	if ci.Status != proto.StatusShutdown {
		t.Errorf("status = %s, want SHUTDOWN", ci.Status)
	}
}
