// Package registry maintains the authoritative directory of known CI
// agents: identity, transport address, lifecycle status, and traffic
// counters. It also owns port allocation, message routing, and snapshot
// persistence.
package registry

import (
	"sync"
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/logx"
	"argo/pkg/metrics"
	"argo/pkg/proto"
)

// Field and capacity limits carried over from the daemon's registry
// file format.
const (
	MaxCIs      = 50
	NameMax     = 31
	RoleMax     = 31
	ModelMax    = 63
	DefaultHost = "localhost"
)

// Heartbeats older than StaleHeartbeat count as stale in CheckHealth.
const StaleHeartbeat = 60 * time.Second

// Entry describes one registered CI. Entries are owned by the Registry;
// accessors hand out copies.
type Entry struct {
	Name             string
	Role             string
	Model            string
	Host             string
	Port             int
	Status           proto.Status
	RegisteredAt     time.Time
	LastHeartbeat    time.Time
	LastError        time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	ErrorsCount      uint64

	// socketFD is the live transport descriptor, -1 when disconnected.
	// Managed by the socket server through BindTransport/ReleaseTransport.
	socketFD int
}

// SocketFD returns the live transport descriptor, -1 when disconnected.
func (e *Entry) SocketFD() int {
	return e.socketFD
}

// Connected reports whether a live descriptor is bound to this entry.
func (e *Entry) Connected() bool {
	return e.socketFD >= 0
}

// Registry is the directory of known CIs. Lookup is by name; broadcast
// iterates in insertion order.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	ports   PortConfig
	tr      Transport
	rec     *metrics.Recorder
	log     *logx.Logger
}

// New creates an empty registry with the default port configuration.
func New() *Registry {
	return NewWithPorts(DefaultPortConfig())
}

// NewWithPorts creates an empty registry using the given port layout.
func NewWithPorts(ports PortConfig) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		ports:   ports,
		log:     logx.NewLogger("registry"),
	}
}

// SetTransport attaches the transport used for message delivery. A nil
// transport makes every send fail as a transport error.
func (r *Registry) SetTransport(tr Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tr = tr
}

// SetMetrics attaches the metrics recorder. Registration and broadcast
// outcomes are recorded when one is present.
func (r *Registry) SetMetrics(rec *metrics.Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
}

// roleCountLocked counts registered CIs in one role. Caller holds r.mu.
func (r *Registry) roleCountLocked(role string) int {
	n := 0
	for _, entry := range r.entries {
		if entry.Role == role {
			n++
		}
	}
	return n
}

// AddCI registers a new CI with status OFFLINE. Fails on a duplicate
// name, an oversized field, or a full registry.
func (r *Registry) AddCI(name, role, model string, port int) error {
	if err := validateIdentity(name, role, model); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= MaxCIs {
		return cierrors.Newf(cierrors.KindResourceExhausted, "registry.add_ci",
			"registry full (%d entries)", MaxCIs)
	}
	if _, exists := r.entries[name]; exists {
		return cierrors.Newf(cierrors.KindStateConflict, "registry.add_ci",
			"CI %q already registered", name)
	}

	now := time.Now()
	entry := &Entry{
		Name:          name,
		Role:          role,
		Model:         model,
		Host:          DefaultHost,
		Port:          port,
		Status:        proto.StatusOffline,
		RegisteredAt:  now,
		LastHeartbeat: now,
		socketFD:      -1,
	}
	r.entries[name] = entry
	r.order = append(r.order, name)
	if r.rec != nil {
		r.rec.SetRegisteredCIs(role, r.roleCountLocked(role))
	}

	r.log.Info("Registered CI: %s (role=%s, model=%s, port=%d)", name, role, model, port)
	return nil
}

// RemoveCI unregisters a CI by name.
func (r *Registry) RemoveCI(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return cierrors.Newf(cierrors.KindNotFound, "registry.remove_ci", "no CI named %q", name)
	}
	role := r.entries[name].Role
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.rec != nil {
		r.rec.SetRegisteredCIs(role, r.roleCountLocked(role))
	}

	r.log.Info("Unregistered CI: %s", name)
	return nil
}

// FindCI returns a copy of the named entry.
func (r *Registry) FindCI(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return Entry{}, cierrors.Newf(cierrors.KindNotFound, "registry.find_ci", "no CI named %q", name)
	}
	return *entry, nil
}

// FindByRole returns the first registered entry with the given role.
func (r *Registry) FindByRole(role string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if entry := r.entries[name]; entry.Role == role {
			return *entry, nil
		}
	}
	return Entry{}, cierrors.Newf(cierrors.KindNotFound, "registry.find_by_role", "no CI with role %q", role)
}

// FindAllByRole returns all entries with the given role in insertion
// order.
func (r *Registry) FindAllByRole(role string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []Entry
	for _, name := range r.order {
		if entry := r.entries[name]; entry.Role == role {
			matches = append(matches, *entry)
		}
	}
	return matches
}

// FindAvailable returns the first READY entry with the given role.
func (r *Registry) FindAvailable(role string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		entry := r.entries[name]
		if entry.Role == role && entry.Status == proto.StatusReady {
			return *entry, nil
		}
	}
	return Entry{}, cierrors.Newf(cierrors.KindNotFound, "registry.find_available",
		"no READY CI with role %q", role)
}

// List returns copies of all entries in insertion order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.entries[name])
	}
	return out
}

// Count returns the number of registered CIs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// UpdateStatus overwrites the entry's status. Used by the lifecycle
// manager to mirror transitions.
func (r *Registry) UpdateStatus(name string, status proto.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return cierrors.Newf(cierrors.KindNotFound, "registry.update_status", "no CI named %q", name)
	}
	entry.Status = status
	return nil
}

// Heartbeat refreshes the entry's liveness timestamp.
func (r *Registry) Heartbeat(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return cierrors.Newf(cierrors.KindNotFound, "registry.heartbeat", "no CI named %q", name)
	}
	entry.LastHeartbeat = time.Now()
	return nil
}

// CheckHealth returns the number of non-OFFLINE CIs whose last heartbeat
// is older than StaleHeartbeat, logging each.
func (r *Registry) CheckHealth() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	stale := 0
	for _, name := range r.order {
		entry := r.entries[name]
		if entry.Status == proto.StatusOffline {
			continue
		}
		if age := now.Sub(entry.LastHeartbeat); age > StaleHeartbeat {
			r.log.Warn("CI %s heartbeat stale (%s ago)", name, age.Round(time.Second))
			stale++
		}
	}
	return stale
}

// BindTransport attaches a live socket descriptor to the named entry.
func (r *Registry) BindTransport(name string, fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return cierrors.Newf(cierrors.KindNotFound, "registry.bind_transport", "no CI named %q", name)
	}
	entry.socketFD = fd
	return nil
}

// ReleaseTransport clears the entry's socket descriptor if it matches fd.
// Safe to call for an unknown name during teardown.
func (r *Registry) ReleaseTransport(name string, fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[name]; exists && entry.socketFD == fd {
		entry.socketFD = -1
	}
}

// Stats summarizes registry traffic.
type Stats struct {
	Total         int
	Online        int
	Busy          int
	MessagesSent  uint64
	MessagesRecvd uint64
	Errors        uint64
}

// Stats returns aggregate counters across all entries.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	s.Total = len(r.entries)
	for _, entry := range r.entries {
		if entry.Status != proto.StatusOffline {
			s.Online++
		}
		if entry.Status == proto.StatusBusy {
			s.Busy++
		}
		s.MessagesSent += entry.MessagesSent
		s.MessagesRecvd += entry.MessagesReceived
		s.Errors += entry.ErrorsCount
	}
	return s
}

// RoleCounts returns the number of registered CIs per role.
func (r *Registry) RoleCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, entry := range r.entries {
		counts[entry.Role]++
	}
	return counts
}

func validateIdentity(name, role, model string) error {
	if name == "" {
		return cierrors.New(cierrors.KindInput, "registry.add_ci", "name is required")
	}
	if len(name) > NameMax {
		return cierrors.Newf(cierrors.KindInput, "registry.add_ci",
			"name %q exceeds %d chars", name, NameMax)
	}
	if role == "" {
		return cierrors.New(cierrors.KindInput, "registry.add_ci", "role is required")
	}
	if len(role) > RoleMax {
		return cierrors.Newf(cierrors.KindInput, "registry.add_ci",
			"role %q exceeds %d chars", role, RoleMax)
	}
	if len(model) > ModelMax {
		return cierrors.Newf(cierrors.KindInput, "registry.add_ci",
			"model %q exceeds %d chars", model, ModelMax)
	}
	return nil
}
