// Package insight derives periodic conversational insights from live
// transcripts. A single Manager serves every session through a shared
// bounded queue and worker pool; per-session state decides when a
// generation is worth scheduling at all.
package insight

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/llm"
	"github.com/harunnryd/livescribe/pkg/logging"
	"github.com/harunnryd/livescribe/pkg/metrics"
)

// Config gates and shapes one session's insight generation.
type Config struct {
	Provider         string
	Model            string
	MinTokens        int
	MinInterval      time.Duration
	RetainTokens     int
	MaxContextTokens int
	ContextWindow    int
	NoveltyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MinTokens <= 0 {
		c.MinTokens = 30
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 20 * time.Second
	}
	if c.RetainTokens <= 0 {
		c.RetainTokens = 150
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 800
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 6
	}
	if c.NoveltyThreshold <= 0 || c.NoveltyThreshold > 1 {
		c.NoveltyThreshold = 0.82
	}
	return c
}

// ManagerConfig sizes the shared pool.
type ManagerConfig struct {
	Workers         int
	QueueCapacity   int
	GenerateTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	return c
}

// Insight is one emitted insight.
type Insight struct {
	SessionID string
	Text      string
	Provider  string
	Model     string
	CreatedAt time.Time
}

// Sink receives a session's emitted insights. Implementations must not
// call back into the manager.
type Sink interface {
	InsightGenerated(ins Insight)
}

type job struct {
	sessionID  string
	enqueuedAt time.Time
}

// Manager owns the worker pool and the session table. One Manager is
// shared by all live sessions.
type Manager struct {
	cfg    ManagerConfig
	client llm.Client
	obs    metrics.Observer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates the manager and starts its workers.
func NewManager(client llm.Client, obs metrics.Observer, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	m := &Manager{
		cfg:      cfg,
		client:   client,
		obs:      obs,
		logger:   logging.NewComponentLogger(slog.Default(), "insight"),
		sessions: make(map[string]*Session),
		jobs:     make(chan job, cfg.QueueCapacity),
		done:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Register creates insight state for a session. Emitted insights go to
// sink. Registering an id twice replaces the previous state.
func (m *Manager) Register(sessionID string, cfg Config, sink Sink) *Session {
	s := &Session{
		id:   sessionID,
		cfg:  cfg.withDefaults(),
		sink: sink,
	}
	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()
	return s
}

// Ingest feeds a session its latest full transcript. The delta since
// the previous call joins the session's context; if the scheduling gate
// passes, a generation job is queued. The queue push blocks when full —
// callers already run on the ingest worker, so this is the intended
// backpressure point.
func (m *Manager) Ingest(sessionID, fullText string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if s.ingest(fullText) {
		m.enqueue(s, sessionID)
	}
}

func (m *Manager) enqueue(s *Session, sessionID string) {
	select {
	case m.jobs <- job{sessionID: sessionID, enqueuedAt: time.Now()}:
	case <-m.done:
		s.abandon()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		if j.sessionID == "" {
			return // shutdown sentinel
		}
		m.obs.RecordEvent(metrics.SessionEvent("insight_queue_wait_ms", j.sessionID,
			float64(time.Since(j.enqueuedAt).Milliseconds())))

		m.mu.Lock()
		s := m.sessions[j.sessionID]
		m.mu.Unlock()
		if s == nil {
			continue
		}
		m.generate(s)
		if s.completeAndReschedule() {
			m.requeue(s, j.sessionID)
		}
	}
}

// requeue is the worker-side put. Unlike enqueue it must not block on a
// full queue — every worker waiting to feed its own pool would wedge it.
// An abandoned reschedule is re-run by the gate on the next ingest.
func (m *Manager) requeue(s *Session, sessionID string) {
	select {
	case m.jobs <- job{sessionID: sessionID, enqueuedAt: time.Now()}:
	default:
		s.abandon()
	}
}

func (m *Manager) generate(s *Session) {
	prompt, prev := s.promptState()
	if prompt == "" {
		return
	}

	msgs := []llm.Message{{Role: "system", Content: insightSystemPrompt}}
	if prev != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: prev})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: prompt})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GenerateTimeout)
	defer cancel()

	resp, err := m.client.Complete(ctx, llm.Request{
		Model:       s.cfg.Model,
		Messages:    msgs,
		Temperature: 0.3,
		MaxTokens:   256,
	})
	now := time.Now()
	if err != nil {
		m.logger.Warn("insight_error",
			"session_id", s.id,
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		m.obs.RecordEvent(metrics.SessionEvent("insight_error", s.id, 0))
		return
	}
	text := resp.Text
	if text == "" {
		m.obs.RecordEvent(metrics.SessionEvent("insight_empty", s.id, 0))
		return
	}

	if suppressed, sim := s.accept(text, now); suppressed {
		m.logger.Debug("insight_suppressed", "session_id", s.id, "similarity", sim)
		m.obs.RecordEvent(metrics.SessionEvent("insight_suppressed", s.id, sim))
		return
	}

	ins := Insight{
		SessionID: s.id,
		Text:      text,
		Provider:  m.client.Name(),
		Model:     resolveModel(s.cfg.Model, m.client),
		CreatedAt: now,
	}
	if s.sink != nil {
		s.sink.InsightGenerated(ins)
	}
	m.obs.RecordEvent(metrics.SessionEvent("insight_generated", s.id, float64(resp.Usage.TotalTokens)))
}

func resolveModel(model string, client llm.Client) string {
	if model != "" {
		return model
	}
	return client.Name()
}

// CloseSession drops a session's insight state. Jobs already queued for
// it become no-ops.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// WaitIdle blocks until the session has no generation in flight, or the
// timeout elapses. Reports whether the session went idle.
func (m *Manager) WaitIdle(sessionID string, timeout time.Duration) bool {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return true
	}
	deadline := time.Now().Add(timeout)
	for {
		if !s.busy() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops accepting jobs, hands each worker a sentinel, and waits
// for all of them to exit. Queued jobs ahead of the sentinels still run.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	for i := 0; i < m.cfg.Workers; i++ {
		m.jobs <- job{}
	}
	m.wg.Wait()
}

const insightSystemPrompt = `You are listening to a live conversation transcript between two participants.
Produce one short, concrete insight about the conversation so far: an emerging decision, an unresolved question, a risk, or a change in tone.
Respond with the insight only, in at most two sentences. Do not repeat an insight you have already given.`
