// Package orch is the workflow driver facade: one object wrapping the
// registry, lifecycle manager, and message routing that a session
// controller talks to.
package orch

import (
	"encoding/json"
	"fmt"
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/eventlog"
	"argo/pkg/lifecycle"
	"argo/pkg/logx"
	"argo/pkg/memory"
	"argo/pkg/proto"
	"argo/pkg/registry"
)

// Orchestrator drives a session's CIs through the registry and
// lifecycle manager. Message routing goes through the registry's
// attached transport; successfully routed messages are appended to the
// audit log when one is attached.
type Orchestrator struct {
	sessionID     string
	started       time.Time
	reg           *registry.Registry
	mgr           *lifecycle.Manager
	audit         *eventlog.Writer
	mem           *memory.Store
	tokens        *memory.TokenCounter
	contextTokens int
	log           *logx.Logger
}

// New creates an orchestrator for one session over an existing
// registry and lifecycle manager.
func New(sessionID string, reg *registry.Registry, mgr *lifecycle.Manager) (*Orchestrator, error) {
	const op = "orch.New"
	if sessionID == "" {
		return nil, cierrors.New(cierrors.KindInput, op, "session id is required")
	}
	if reg == nil || mgr == nil {
		return nil, cierrors.New(cierrors.KindInput, op, "registry and lifecycle manager are required")
	}
	o := &Orchestrator{
		sessionID: sessionID,
		started:   time.Now(),
		reg:       reg,
		mgr:       mgr,
		log:       logx.NewLogger("orch"),
	}
	o.log.Info("Orchestrator created for session %s", sessionID)
	return o, nil
}

// SetAudit attaches the message audit log.
func (o *Orchestrator) SetAudit(w *eventlog.Writer) {
	o.audit = w
}

// SetMemory attaches the working-memory store. Starting a CI then
// surfaces its sunrise digest, budgeted against contextTokens.
func (o *Orchestrator) SetMemory(store *memory.Store, tc *memory.TokenCounter, contextTokens int) {
	o.mem = store
	o.tokens = tc
	o.contextTokens = contextTokens
}

// SessionID returns the session this orchestrator drives.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// AddCI registers a CI and returns its allocated port.
func (o *Orchestrator) AddCI(name, role, model string) (int, error) {
	return o.mgr.CreateCI(name, role, model)
}

// StartCI begins a CI's startup sequence. With a memory store attached
// the CI's sunrise digest is built and surfaced alongside.
func (o *Orchestrator) StartCI(name string) error {
	if err := o.mgr.StartCI(name); err != nil {
		return err
	}
	if o.mem == nil {
		return nil
	}
	d, err := o.SunriseDigest(name)
	if err != nil {
		o.log.Warn("Sunrise digest for %s failed: %v", name, err)
		return nil
	}
	if d.SunriseBrief != "" || len(d.Breadcrumbs) > 0 || len(d.Items) > 0 {
		o.log.Info("Sunrise digest for %s: %d items, %d breadcrumbs, %d/%d tokens",
			name, len(d.Items), len(d.Breadcrumbs), d.Tokens, d.TokenBudget)
	}
	return nil
}

// SunriseDigest builds the named CI's working-memory digest for this
// session.
func (o *Orchestrator) SunriseDigest(name string) (*memory.Digest, error) {
	const op = "orch.Orchestrator.SunriseDigest"
	if o.mem == nil {
		return nil, cierrors.New(cierrors.KindStateConflict, op, "no memory store attached")
	}
	return o.mem.BuildDigest(o.sessionID, name, o.contextTokens, o.tokens)
}

// StopCI shuts a CI down, gracefully by default.
func (o *Orchestrator) StopCI(name string, graceful bool) error {
	return o.mgr.StopCI(name, graceful)
}

// RestartCI requests a graceful stop followed by a start. Fire and
// forget: the start takes effect once the agent has actually gone
// OFFLINE.
func (o *Orchestrator) RestartCI(name string) error {
	return o.mgr.RestartCI(name)
}

// AssignTask hands a task to a READY CI.
func (o *Orchestrator) AssignTask(name, task string) error {
	return o.mgr.AssignTask(name, task)
}

// CompleteTask marks a CI's current task finished.
func (o *Orchestrator) CompleteTask(name string, success bool) error {
	return o.mgr.CompleteTask(name, success)
}

// SendMessage builds a message and routes it to one CI.
func (o *Orchestrator) SendMessage(from, to, msgType, content string) error {
	const op = "orch.Orchestrator.SendMessage"
	if from == "" || to == "" {
		return cierrors.New(cierrors.KindInput, op, "sender and recipient are required")
	}

	msg := proto.NewMessage(from, to, msgType, content)
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	if err := o.reg.SendMessage(from, to, data); err != nil {
		return err
	}
	o.auditMessage(msg)
	return nil
}

// Broadcast routes a message to every live CI, optionally restricted
// to one role. Returns the delivery count.
func (o *Orchestrator) Broadcast(from, roleFilter, msgType, content string) (int, error) {
	const op = "orch.Orchestrator.Broadcast"
	if from == "" {
		return 0, cierrors.New(cierrors.KindInput, op, "sender is required")
	}

	msg := proto.NewMessage(from, "all", msgType, content)
	data, err := msg.ToJSON()
	if err != nil {
		return 0, err
	}
	n, err := o.reg.BroadcastMessage(from, roleFilter, data)
	if err != nil {
		return n, err
	}
	o.auditMessage(msg)
	return n, nil
}

func (o *Orchestrator) auditMessage(msg *proto.Message) {
	if o.audit == nil {
		return
	}
	if err := o.audit.WriteMessage(msg); err != nil {
		o.log.Warn("Audit write failed: %v", err)
	}
}

// Status is a point-in-time session summary.
type Status struct {
	SessionID     string `json:"session_id"`
	UptimeSec     int64  `json:"uptime_sec"`
	CICount       int    `json:"ci_count"`
	Online        int    `json:"online"`
	Busy          int    `json:"busy"`
	Unhealthy     int    `json:"unhealthy"`
	MessagesTotal uint64 `json:"messages_total"`
	ErrorsTotal   uint64 `json:"errors_total"`
}

// Status reports the session state.
func (o *Orchestrator) Status() Status {
	stats := o.reg.Stats()
	return Status{
		SessionID:     o.sessionID,
		UptimeSec:     int64(time.Since(o.started).Seconds()),
		CICount:       stats.Total,
		Online:        stats.Online,
		Busy:          stats.Busy,
		Unhealthy:     o.mgr.HealthCheck(),
		MessagesTotal: stats.MessagesSent,
		ErrorsTotal:   stats.Errors,
	}
}

// StatusJSON renders the status report as JSON.
func (o *Orchestrator) StatusJSON() ([]byte, error) {
	data, err := json.MarshalIndent(o.Status(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize status: %w", err)
	}
	return data, nil
}
