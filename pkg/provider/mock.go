package provider

import (
	"context"
	"sync"

	"argo/pkg/cierrors"
)

// Mock is an in-process provider for tests and offline development. It
// echoes a canned response, or whatever Respond was primed with.
type Mock struct {
	mu       sync.Mutex
	model    string
	closed   bool
	reply    string
	queries  []string
	failNext error
}

// NewMock returns a mock provider answering every query with a fixed
// acknowledgement.
func NewMock(model string) *Mock {
	if model == "" {
		model = "mock-model"
	}
	return &Mock{model: model, reply: "ok"}
}

func (m *Mock) Name() string  { return "mock" }
func (m *Mock) Model() string { return m.model }

// Respond primes the reply returned by subsequent queries.
func (m *Mock) Respond(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = reply
}

// FailNext makes the next Query or Stream return err once.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Queries returns every prompt seen so far.
func (m *Mock) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return cierrors.New(cierrors.KindStateConflict, "provider.Mock.Connect", "provider closed")
	}
	return ctx.Err()
}

func (m *Mock) Query(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", cierrors.New(cierrors.KindStateConflict, "provider.Mock.Query", "provider closed")
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", err
	}
	m.queries = append(m.queries, prompt)
	return m.reply, nil
}

// Stream delivers the canned reply as a single chunk.
func (m *Mock) Stream(ctx context.Context, prompt string, fn StreamFn) error {
	out, err := m.Query(ctx, prompt)
	if err != nil {
		return err
	}
	return fn(out)
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
