// Package lifecycle layers a per-CI finite-state machine on top of the
// registry: status transitions with history, heartbeat monitoring, task
// assignment, and error escalation.
package lifecycle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/logx"
	"argo/pkg/metrics"
	"argo/pkg/proto"
	"argo/pkg/registry"
)

// Heartbeat policy defaults.
const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultMaxMissed        = 3
)

// Transition is one immutable history record.
type Transition struct {
	Timestamp time.Time
	From      proto.Status
	To        proto.Status
	Event     proto.Event
	Reason    string
}

// CI is the lifecycle record for one registered agent. Copies are handed
// out by GetCI; the manager owns the originals.
type CI struct {
	Name             string
	Status           proto.Status
	Created          time.Time
	LastTransition   time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int
	CurrentTask      string
	TaskStart        time.Time
	LastError        string
	ErrorCount       int
	TransitionCount  int

	transitions []Transition // most-recent-first
}

// transitionTable maps each event to its resulting status. Events absent
// from the table (CREATED) leave the status unchanged and write no
// history.
var transitionTable = map[proto.Event]proto.Status{
	proto.EventInitializing: proto.StatusStarting,
	proto.EventReady:        proto.StatusReady,
	proto.EventTaskAssigned: proto.StatusBusy,
	proto.EventTaskComplete: proto.StatusReady,
	proto.EventError:        proto.StatusError,
	proto.EventShutdownReq:  proto.StatusShutdown,
	proto.EventShutdown:     proto.StatusShutdown,
	proto.EventTerminated:   proto.StatusOffline,
}

// Manager tracks lifecycle state for every CI it created. Status changes
// are mirrored into the registry.
type Manager struct {
	mu               sync.Mutex
	reg              *registry.Registry
	cis              map[string]*CI
	order            []string
	heartbeatTimeout time.Duration
	maxMissed        int
	rec              *metrics.Recorder
	log              *logx.Logger
}

// NewManager creates a lifecycle manager over the given registry.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{
		reg:              reg,
		cis:              make(map[string]*CI),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		maxMissed:        DefaultMaxMissed,
		log:              logx.NewLogger("lifecycle"),
	}
}

// SetHeartbeatPolicy overrides the staleness timeout and the missed-count
// ceiling that escalates to an error.
func (m *Manager) SetHeartbeatPolicy(timeout time.Duration, maxMissed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeout > 0 {
		m.heartbeatTimeout = timeout
	}
	if maxMissed > 0 {
		m.maxMissed = maxMissed
	}
}

// SetMetrics attaches a metrics recorder. Optional.
func (m *Manager) SetMetrics(rec *metrics.Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
}

// CreateCI registers a new CI, allocating its port from the role's range.
// The record starts OFFLINE with a single CREATED history entry. A
// failure after port allocation discards the partial record. Returns the
// allocated port.
func (m *Manager) CreateCI(name, role, model string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cis[name]; exists {
		return 0, cierrors.Newf(cierrors.KindStateConflict, "lifecycle.create_ci",
			"CI %q already exists", name)
	}

	port, err := m.reg.AllocatePort(role)
	if err != nil {
		return 0, err
	}
	if err := m.reg.AddCI(name, role, model, port); err != nil {
		return 0, err
	}

	now := time.Now()
	ci := &CI{
		Name:           name,
		Status:         proto.StatusOffline,
		Created:        now,
		LastTransition: now,
		LastHeartbeat:  now,
	}
	ci.transitions = append(ci.transitions, Transition{
		Timestamp: now,
		From:      proto.StatusOffline,
		To:        proto.StatusOffline,
		Event:     proto.EventCreated,
		Reason:    "Created",
	})
	ci.TransitionCount = 1

	m.cis[name] = ci
	m.order = append(m.order, name)

	m.log.Info("Created CI lifecycle: %s (role=%s, model=%s, port=%d)", name, role, model, port)
	return port, nil
}

// StartCI drives an OFFLINE CI to STARTING. Any other current status is
// a logged no-op.
func (m *Manager) StartCI(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.start_ci", name)
	}
	if ci.Status != proto.StatusOffline {
		m.log.Warn("CI %s already started (status=%s)", name, ci.Status)
		return nil
	}
	m.transitionLocked(ci, proto.EventInitializing, "Starting")
	m.log.Info("Starting CI: %s", name)
	return nil
}

// StopCI drives a CI to SHUTDOWN (graceful, the agent finishes up and
// terminates itself) or straight to OFFLINE (forced).
func (m *Manager) StopCI(name string, graceful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.stop_ci", name)
	}
	if graceful {
		m.transitionLocked(ci, proto.EventShutdownReq, "Graceful shutdown requested")
	} else {
		m.transitionLocked(ci, proto.EventTerminated, "Forced shutdown")
	}
	m.log.Info("Stopping CI: %s (graceful=%v)", name, graceful)
	return nil
}

// RestartCI is a graceful stop followed by a start. Fire and forget: the
// start is a logged no-op until the agent actually terminates and its
// status returns to OFFLINE.
func (m *Manager) RestartCI(name string) error {
	if err := m.StopCI(name, true); err != nil {
		return err
	}
	return m.StartCI(name)
}

// Transition applies an event to the named CI. Events not in the
// transition table, and events whose target equals the current status,
// change nothing and write no history.
func (m *Manager) Transition(name string, event proto.Event, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.transition", name)
	}
	m.transitionLocked(ci, event, reason)
	return nil
}

// transitionLocked applies the table and mirrors the status into the
// registry. Caller holds m.mu.
func (m *Manager) transitionLocked(ci *CI, event proto.Event, reason string) {
	newStatus, ok := transitionTable[event]
	if !ok || newStatus == ci.Status {
		return
	}

	old := ci.Status
	now := time.Now()
	ci.Status = newStatus
	ci.LastTransition = now
	ci.transitions = append([]Transition{{
		Timestamp: now,
		From:      old,
		To:        newStatus,
		Event:     event,
		Reason:    reason,
	}}, ci.transitions...)
	ci.TransitionCount++

	if err := m.reg.UpdateStatus(ci.Name, newStatus); err != nil {
		m.log.Warn("Registry status mirror failed for %s: %v", ci.Name, err)
	}
	if m.rec != nil {
		m.rec.ObserveTransition(event.String(), newStatus.String())
	}
	m.log.Info("CI %s: %s -> %s (event=%s)", ci.Name, old, newStatus, event)
}

// AssignTask hands a task to a READY CI, moving it to BUSY.
func (m *Manager) AssignTask(name, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.assign_task", name)
	}
	if ci.Status != proto.StatusReady {
		m.log.Warn("CI %s not ready for task (status=%s)", name, ci.Status)
		return cierrors.Newf(cierrors.KindStateConflict, "lifecycle.assign_task",
			"CI %q is %s, need READY", name, ci.Status)
	}

	ci.CurrentTask = task
	ci.TaskStart = time.Now()
	m.transitionLocked(ci, proto.EventTaskAssigned, task)
	return nil
}

// CompleteTask clears the current task and returns the CI to READY,
// whatever the success flag says.
func (m *Manager) CompleteTask(name string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.complete_task", name)
	}

	ci.CurrentTask = ""
	ci.TaskStart = time.Time{}
	reason := "Task completed successfully"
	if !success {
		reason = "Task failed"
	}
	m.transitionLocked(ci, proto.EventTaskComplete, reason)
	return nil
}

// Heartbeat resets the missed count and refreshes liveness bookkeeping
// here and in the registry.
func (m *Manager) Heartbeat(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.heartbeat", name)
	}
	ci.LastHeartbeat = time.Now()
	ci.MissedHeartbeats = 0

	if err := m.reg.Heartbeat(name); err != nil {
		m.log.Warn("Registry heartbeat mirror failed for %s: %v", name, err)
	}
	return nil
}

// CheckHeartbeats sweeps all CIs, incrementing the missed count for each
// whose last heartbeat is older than the timeout and escalating to an
// ERROR transition once the ceiling is reached. OFFLINE CIs are exempt.
// Returns the number of stale CIs. An external timer drives the cadence.
func (m *Manager) CheckHeartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stale := 0
	for _, name := range m.order {
		ci := m.cis[name]
		if ci.Status == proto.StatusOffline {
			continue
		}
		age := now.Sub(ci.LastHeartbeat)
		if age <= m.heartbeatTimeout {
			continue
		}

		ci.MissedHeartbeats++
		stale++
		m.log.Warn("CI %s heartbeat stale (%s ago, missed=%d)",
			name, age.Round(time.Second), ci.MissedHeartbeats)
		if m.rec != nil {
			m.rec.IncMissedHeartbeat()
		}

		if ci.MissedHeartbeats >= m.maxMissed {
			m.reportErrorLocked(ci, "Max missed heartbeats exceeded")
		}
	}
	return stale
}

// ReportError records an error on the CI and drives an ERROR transition.
func (m *Manager) ReportError(name, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.report_error", name)
	}
	m.reportErrorLocked(ci, message)
	return nil
}

func (m *Manager) reportErrorLocked(ci *CI, message string) {
	ci.ErrorCount++
	ci.LastError = message
	m.log.Error("CI %s: %s", ci.Name, message)
	m.transitionLocked(ci, proto.EventError, message)
}

// GetCI returns a copy of the named lifecycle record.
func (m *Manager) GetCI(name string) (CI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return CI{}, notFound("lifecycle.get_ci", name)
	}
	out := *ci
	out.transitions = nil
	return out, nil
}

// History returns a copy of the transition history, most recent first.
func (m *Manager) History(name string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return nil, notFound("lifecycle.history", name)
	}
	out := make([]Transition, len(ci.transitions))
	copy(out, ci.transitions)
	return out, nil
}

// ClearHistory drops the transition history, keeping the current status.
func (m *Manager) ClearHistory(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.cis[name]
	if !exists {
		return notFound("lifecycle.clear_history", name)
	}
	ci.transitions = nil
	ci.TransitionCount = 0
	return nil
}

// HealthCheck counts unhealthy CIs: one for each in ERROR status and one
// for each carrying missed heartbeats.
func (m *Manager) HealthCheck() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	unhealthy := 0
	for _, ci := range m.cis {
		if ci.Status == proto.StatusError {
			unhealthy++
		}
		if ci.MissedHeartbeats > 0 {
			unhealthy++
		}
	}
	return unhealthy
}

// Count returns the number of managed CIs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cis)
}

// Timeline renders the transition history of one CI for display.
func (m *Manager) Timeline(name string) (string, error) {
	history, err := m.History(name)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Lifecycle Timeline: %s\n", name)
	for _, tr := range history {
		fmt.Fprintf(&b, "  %s  %s -> %s",
			tr.Timestamp.Format("2006-01-02 15:04:05"), tr.From, tr.To)
		if tr.Reason != "" {
			fmt.Fprintf(&b, "  (%s)", tr.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func notFound(op, name string) error {
	return cierrors.Newf(cierrors.KindNotFound, op, "no CI named %q", name)
}
