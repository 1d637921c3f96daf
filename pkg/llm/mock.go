package llm

import (
	"context"
	"sync"
	"time"
)

// MockConfig scripts the mock client's behavior.
type MockConfig struct {
	// Texts are returned in order; the last entry repeats once exhausted.
	Texts []string
	// Err, when set, is returned for every call.
	Err error
	// Latency delays each call, honoring context cancellation.
	Latency time.Duration
}

// Mock is a scriptable Client for tests.
type Mock struct {
	cfg      MockConfig
	mu       sync.Mutex
	requests []Request
}

func NewMock(cfg MockConfig) *Mock {
	if len(cfg.Texts) == 0 && cfg.Err == nil {
		cfg.Texts = []string{"mock insight"}
	}
	return &Mock{cfg: cfg}
}

func (m *Mock) Name() string { return "mock_llm" }

func (m *Mock) Complete(ctx context.Context, req Request) (Response, error) {
	if m.cfg.Latency > 0 {
		select {
		case <-time.After(m.cfg.Latency):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.cfg.Err != nil {
		return Response{}, m.cfg.Err
	}
	if idx >= len(m.cfg.Texts) {
		idx = len(m.cfg.Texts) - 1
	}
	return Response{Text: m.cfg.Texts[idx], FinishReason: "stop"}, nil
}

// Requests returns the requests received so far, in order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

var _ Client = (*Mock)(nil)
