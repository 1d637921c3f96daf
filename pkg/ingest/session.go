// Package ingest turns a live PCM stream into transcribed batches. Each
// Session owns one connection's audio buffer, its batch-extraction policy
// and a single-consumer dispatch queue feeding the transcription backend.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/logging"
	"github.com/harunnryd/livescribe/pkg/metrics"
	"github.com/harunnryd/livescribe/pkg/stt"
)

const bytesPerSample = 2 // PCM16 mono

var ErrSessionClosed = errors.New("session closed")

// Config is a session's immutable batching configuration.
type Config struct {
	SampleRate        int
	BatchWindowSec    float64
	MaxBatchWindowSec float64
	FlushIntervalSec  float64
	MaxBufferSec      float64
	QueueCapacity     int
	Model             string
	Language          string
	Diarize           bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.BatchWindowSec <= 0 {
		c.BatchWindowSec = 5
	}
	if c.MaxBatchWindowSec < c.BatchWindowSec {
		c.MaxBatchWindowSec = 2 * c.BatchWindowSec
	}
	if c.FlushIntervalSec <= 0 {
		c.FlushIntervalSec = 1
	}
	if c.MaxBufferSec <= 0 {
		c.MaxBufferSec = 30
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 8
	}
	return c
}

// Summary reports a session's aggregate counters after close.
type Summary struct {
	SessionID         string
	TotalBatches      int
	TotalAudioSeconds float64
	TotalTokens       int
	TranscriptChars   int
	DroppedBytes      int64
}

// Sink receives a session's outbound notifications. Implementations must
// not call back into the session.
type Sink interface {
	BatchProcessed(index int, audioSeconds float64, transcriptChars int)
	BatchError(index int, err error)
}

// Ingestor receives the full accumulated transcript after every
// successfully transcribed batch.
type Ingestor interface {
	IngestTranscript(sessionID, fullText string)
}

type batch struct {
	index int
	pcm   []byte
}

// Session accumulates PCM audio and dispatches transcription batches in
// strict arrival order through a single worker.
//
// Two different backpressure policies apply on purpose: the pending
// buffer drops its oldest bytes so a live producer never stalls, while
// the dispatch queue blocks the producer so memory stays bounded when
// the transcription backend is slow.
type Session struct {
	id          string
	cfg         Config
	transcriber stt.Transcriber
	sink        Sink
	ingestor    Ingestor
	obs         metrics.Observer
	logger      *slog.Logger
	ctx         context.Context

	minBatchBytes  int
	maxBatchBytes  int
	maxBufferBytes int
	maxBatchWindow time.Duration

	mu          sync.Mutex // guards pending, closed, lastExtract, nextIndex, dropped
	pending     []byte
	closed      bool
	lastExtract time.Time
	nextIndex   int
	dropped     int64

	queue      chan batch
	workerDone chan struct{}
	flushStop  chan struct{}

	rmu          sync.Mutex // guards transcript and counters, touched only by the worker and Close
	transcript   strings.Builder
	totalBatches int
	totalSeconds float64
	totalTokens  int

	closeOnce sync.Once
	summary   Summary
}

// NewSession creates a session and starts its dispatch worker and flush
// ticker. ctx bounds the session's outbound transcription calls.
func NewSession(ctx context.Context, id string, cfg Config, transcriber stt.Transcriber, sink Sink, ingestor Ingestor, obs metrics.Observer) *Session {
	cfg = cfg.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s := &Session{
		id:             id,
		cfg:            cfg,
		transcriber:    transcriber,
		sink:           sink,
		ingestor:       ingestor,
		obs:            obs,
		logger:         logging.NewComponentLogger(slog.Default(), "ingest").With("session_id", id),
		ctx:            ctx,
		minBatchBytes:  int(cfg.BatchWindowSec*float64(cfg.SampleRate)) * bytesPerSample,
		maxBatchBytes:  int(cfg.MaxBatchWindowSec*float64(cfg.SampleRate)) * bytesPerSample,
		maxBufferBytes: int(cfg.MaxBufferSec*float64(cfg.SampleRate)) * bytesPerSample,
		maxBatchWindow: time.Duration(cfg.MaxBatchWindowSec * float64(time.Second)),
		lastExtract:    time.Now(),
		queue:          make(chan batch, cfg.QueueCapacity),
		workerDone:     make(chan struct{}),
		flushStop:      make(chan struct{}),
	}
	go s.worker()
	go s.flushLoop(time.Duration(cfg.FlushIntervalSec * float64(time.Second)))
	return s
}

func (s *Session) ID() string { return s.id }

// AppendAudio adds raw PCM16 bytes to the pending buffer and extracts
// any batches that are now due. When the buffer would exceed its cap the
// oldest bytes are discarded first; the producer is never blocked here.
func (s *Session) AppendAudio(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Wrap(ErrSessionClosed, errorsx.ReasonSessionClosed)
	}
	s.pending = append(s.pending, p...)
	if overflow := len(s.pending) - s.maxBufferBytes; overflow > 0 {
		if overflow%bytesPerSample != 0 {
			overflow++ // stay sample-aligned
		}
		kept := make([]byte, len(s.pending)-overflow)
		copy(kept, s.pending[overflow:])
		s.pending = kept
		s.dropped += int64(overflow)
		s.logger.Warn("audio_buffer_overflow", "dropped_bytes", overflow)
	}
	s.extractLocked(false)
	return nil
}

// Flush extracts a batch if one is due, or unconditionally when force is
// set and any samples remain.
func (s *Session) Flush(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.extractLocked(force)
}

// extractLocked applies the batch-extraction policy. The buffer and the
// extraction decision mutate under the same lock so the queue never sees
// an inconsistent view. Pushing to the queue intentionally blocks while
// the lock is held: the worker never takes s.mu, so the queue drains.
func (s *Session) extractLocked(force bool) {
	for {
		avail := len(s.pending) - len(s.pending)%bytesPerSample
		if avail == 0 {
			return
		}
		overdue := time.Since(s.lastExtract) >= s.maxBatchWindow
		if avail < s.minBatchBytes && !force && !overdue {
			return
		}
		take := avail
		if take > s.maxBatchBytes {
			take = s.maxBatchBytes
		}
		pcm := make([]byte, take)
		copy(pcm, s.pending)
		s.pending = append(s.pending[:0], s.pending[take:]...)
		idx := s.nextIndex
		s.nextIndex++
		s.lastExtract = time.Now()
		s.queue <- batch{index: idx, pcm: pcm}
	}
}

func (s *Session) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			s.Flush(false)
		}
	}
}

func (s *Session) worker() {
	defer close(s.workerDone)
	for b := range s.queue {
		s.process(b)
	}
}

func (s *Session) process(b batch) {
	seconds := float64(len(b.pcm)) / float64(bytesPerSample*s.cfg.SampleRate)
	wav := stt.EncodeWAV(b.pcm, s.cfg.SampleRate)

	res, err := s.transcriber.Transcribe(s.ctx, wav, stt.Options{
		Model:    s.cfg.Model,
		Language: s.cfg.Language,
		Diarize:  s.cfg.Diarize,
	})

	s.rmu.Lock()
	s.totalBatches++
	s.totalSeconds += seconds
	s.rmu.Unlock()

	if err != nil {
		s.logger.Warn("batch_error",
			"batch_index", b.index,
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		s.obs.RecordEvent(metrics.SessionEvent("batch_error", s.id, float64(b.index)))
		if s.sink != nil {
			s.sink.BatchError(b.index, err)
		}
		return
	}

	text := strings.TrimSpace(res.Text)
	var full string
	if text != "" {
		s.rmu.Lock()
		if s.transcript.Len() > 0 {
			s.transcript.WriteByte(' ')
		}
		s.transcript.WriteString(text)
		s.totalTokens += len(strings.Fields(text))
		full = s.transcript.String()
		s.rmu.Unlock()
	}

	if s.sink != nil {
		s.sink.BatchProcessed(b.index, seconds, len(text))
	}
	s.obs.RecordEvent(metrics.SessionEvent("batch_processed", s.id, seconds))

	if full != "" && s.ingestor != nil {
		s.ingestor.IngestTranscript(s.id, full)
	}
}

// Close force-flushes any residual audio, drains the dispatch queue,
// stops the worker and the flush ticker, and returns the aggregate
// counters. It is idempotent: every call returns the same summary.
func (s *Session) Close() Summary {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.extractLocked(true)
		dropped := s.dropped
		s.mu.Unlock()

		close(s.flushStop)
		close(s.queue)
		<-s.workerDone

		s.rmu.Lock()
		s.summary = Summary{
			SessionID:         s.id,
			TotalBatches:      s.totalBatches,
			TotalAudioSeconds: s.totalSeconds,
			TotalTokens:       s.totalTokens,
			TranscriptChars:   s.transcript.Len(),
			DroppedBytes:      dropped,
		}
		s.rmu.Unlock()

		s.obs.RecordEvent(metrics.SessionEvent("session_closed", s.id, s.summary.TotalAudioSeconds))
		s.logger.Info("session_closed",
			"batches", s.summary.TotalBatches,
			"audio_seconds", s.summary.TotalAudioSeconds,
			"tokens", s.summary.TotalTokens,
		)
	})
	return s.summary
}

// Transcript returns the accumulated transcript so far.
func (s *Session) Transcript() string {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.transcript.String()
}

// PendingBytes reports the current pending-buffer size.
func (s *Session) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
