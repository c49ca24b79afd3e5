// Package provider defines the AI provider capability interface and a
// registry of configured backends. Each backend wraps one vendor SDK
// behind the same Connect/Query/Stream/Close surface so callers never
// touch SDK types directly.
package provider

import (
	"context"
	"sync"
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/config"
	"argo/pkg/logx"
)

// StreamFn receives one content chunk at a time during a streaming
// query. Returning an error aborts the stream.
type StreamFn func(chunk string) error

// Provider is the capability surface every backend implements.
type Provider interface {
	// Name identifies the backend ("claude", "openai", "ollama",
	// "gemini", "mock").
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Connect verifies the backend is reachable and credentials are
	// usable. Query on an unconnected provider is allowed; Connect
	// exists for availability probing.
	Connect(ctx context.Context) error

	// Query sends one prompt and returns the full completion.
	Query(ctx context.Context, prompt string) (string, error)

	// Stream sends one prompt and delivers the completion through fn
	// in one or more chunks.
	Stream(ctx context.Context, prompt string, fn StreamFn) error

	// Close releases backend resources. Safe to call more than once.
	Close() error
}

// Status tracks availability of a registered provider.
type Status int

const (
	StatusUnknown Status = iota
	StatusAvailable
	StatusUnavailable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "AVAILABLE"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// New constructs the backend named in cfg. Unknown names are a
// configuration error.
func New(name string, cfg config.ProviderCfg) (Provider, error) {
	const op = "provider.New"
	switch name {
	case "mock":
		return NewMock(cfg.Model), nil
	case "claude", "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	case "gemini", "google":
		return NewGemini(cfg)
	default:
		return nil, cierrors.Newf(cierrors.KindInput, op, "unknown provider %q", name)
	}
}

type entry struct {
	provider  Provider
	status    Status
	lastCheck time.Time
	errors    int
}

// Registry holds configured providers and tracks which are reachable.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*entry
	order       []string
	defaultName string
	log         *logx.Logger
}

// NewRegistry builds a registry from the daemon config. Every entry in
// cfg.Providers is constructed; construction failures abort so a typo
// in the config surfaces at startup rather than on first query.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		entries:     make(map[string]*entry),
		defaultName: cfg.Provider,
		log:         logx.NewLogger("provider"),
	}
	for name, pc := range cfg.Providers {
		p, err := New(name, pc)
		if err != nil {
			return nil, err
		}
		r.add(p)
	}
	if cfg.Provider == "mock" {
		if _, ok := r.entries["mock"]; !ok {
			r.add(NewMock("mock-model"))
		}
	}
	return r, nil
}

func (r *Registry) add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.entries[name]; !ok {
		r.order = append(r.order, name)
	}
	r.entries[name] = &entry{provider: p}
	r.log.Info("Registered provider %s (model %s)", name, p.Model())
}

// Add registers a constructed provider, replacing any previous backend
// under the same name.
func (r *Registry) Add(p Provider) { r.add(p) }

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	const op = "provider.Registry.Get"
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.defaultName
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, cierrors.Newf(cierrors.KindNotFound, op, "provider %q not registered", name)
	}
	return e.provider, nil
}

// CheckAvailability probes one provider with Connect and records the
// result.
func (r *Registry) CheckAvailability(ctx context.Context, name string) (Status, error) {
	const op = "provider.Registry.CheckAvailability"
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return StatusUnknown, cierrors.Newf(cierrors.KindNotFound, op, "provider %q not registered", name)
	}

	err := e.provider.Connect(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	e.lastCheck = time.Now()
	if err != nil {
		e.status = StatusUnavailable
		e.errors++
		r.log.Warn("Provider %s unavailable: %v", name, err)
		return e.status, nil
	}
	e.status = StatusAvailable
	return e.status, nil
}

// CheckAll probes every registered provider and returns the status map.
func (r *Registry) CheckAll(ctx context.Context) map[string]Status {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	out := make(map[string]Status, len(names))
	for _, name := range names {
		st, err := r.CheckAvailability(ctx, name)
		if err != nil {
			st = StatusUnknown
		}
		out[name] = st
	}
	return out
}

// Names returns registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Close closes every registered provider. The first error wins but all
// providers are closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, name := range r.order {
		if err := r.entries[name].provider.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
