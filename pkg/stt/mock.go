package stt

import (
	"context"
	"sync"
	"time"
)

// MockConfig scripts the mock transcriber's behavior.
type MockConfig struct {
	// Texts are returned round-robin; when exhausted the last entry repeats.
	Texts []string
	// Err, when set, is returned for every call.
	Err error
	// Latency delays each call, honoring context cancellation.
	Latency time.Duration
}

// Mock is a scriptable Transcriber for tests.
type Mock struct {
	cfg   MockConfig
	mu    sync.Mutex
	calls int
	audio [][]byte
}

func NewMock(cfg MockConfig) *Mock {
	if len(cfg.Texts) == 0 && cfg.Err == nil {
		cfg.Texts = []string{"mock transcript"}
	}
	return &Mock{cfg: cfg}
}

func (m *Mock) Name() string { return "mock_stt" }

func (m *Mock) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	if m.cfg.Latency > 0 {
		select {
		case <-time.After(m.cfg.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	m.mu.Lock()
	idx := m.calls
	m.calls++
	cp := make([]byte, len(audio))
	copy(cp, audio)
	m.audio = append(m.audio, cp)
	m.mu.Unlock()

	if m.cfg.Err != nil {
		return Result{}, m.cfg.Err
	}
	if idx >= len(m.cfg.Texts) {
		idx = len(m.cfg.Texts) - 1
	}
	return Result{Text: m.cfg.Texts[idx], Confidence: 0.99}, nil
}

// Calls reports how many transcription requests were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Audio returns the audio payloads received, in call order.
func (m *Mock) Audio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.audio))
	copy(out, m.audio)
	return out
}

var _ Transcriber = (*Mock)(nil)
