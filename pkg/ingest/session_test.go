package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/metrics"
	"github.com/harunnryd/livescribe/pkg/stt"
)

type captureSink struct {
	mu      sync.Mutex
	indices []int
	seconds []float64
	errIdx  []int
}

func (c *captureSink) BatchProcessed(index int, audioSeconds float64, transcriptChars int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indices = append(c.indices, index)
	c.seconds = append(c.seconds, audioSeconds)
}

func (c *captureSink) BatchError(index int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errIdx = append(c.errIdx, index)
}

func (c *captureSink) snapshot() ([]int, []float64, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.indices...), append([]float64(nil), c.seconds...), append([]int(nil), c.errIdx...)
}

type captureIngestor struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureIngestor) IngestTranscript(sessionID, fullText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, fullText)
}

func (c *captureIngestor) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

func pcmSeconds(sec float64, rate int) []byte {
	return make([]byte, int(sec*float64(rate))*bytesPerSample)
}

func TestSessionBatchesAllAudioInOrder(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{Texts: []string{"one", "two", "three"}})
	sink := &captureSink{}
	ing := &captureIngestor{}
	s := NewSession(context.Background(), "s1", Config{
		SampleRate:     16000,
		BatchWindowSec: 5,
	}, mock, sink, ing, metrics.NoopObserver{})

	// 12s of audio in 1s chunks: two full 5s batches plus the residual.
	for i := 0; i < 12; i++ {
		if err := s.AppendAudio(pcmSeconds(1, 16000)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	sum := s.Close()

	if math.Abs(sum.TotalAudioSeconds-12.0) > 0.1 {
		t.Fatalf("total audio = %.3fs, want 12.0s", sum.TotalAudioSeconds)
	}
	if sum.TotalBatches < 2 || sum.TotalBatches > 3 {
		t.Fatalf("batches = %d, want 2 or 3", sum.TotalBatches)
	}
	indices, seconds, errIdx := sink.snapshot()
	if len(errIdx) != 0 {
		t.Fatalf("unexpected batch errors at %v", errIdx)
	}
	for i, idx := range indices {
		if idx != i {
			t.Fatalf("batch indices not sequential: %v", indices)
		}
	}
	var total float64
	for _, sec := range seconds {
		total += sec
	}
	if math.Abs(total-12.0) > 0.1 {
		t.Fatalf("sink seconds = %.3f, want 12.0", total)
	}
	if got := ing.last(); got != "one two" && got != "one two three" {
		t.Fatalf("transcript = %q", got)
	}
}

func TestSessionDropsOldestOnOverflow(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	s := NewSession(context.Background(), "s2", Config{
		SampleRate:     1000,
		BatchWindowSec: 10, // min batch larger than the buffer cap
		MaxBufferSec:   2,
	}, mock, &captureSink{}, nil, metrics.NoopObserver{})

	if err := s.AppendAudio(make([]byte, 3000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendAudio(make([]byte, 3000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.PendingBytes(); got != 4000 {
		t.Fatalf("pending = %d, want cap 4000", got)
	}
	sum := s.Close()
	if sum.DroppedBytes != 2000 {
		t.Fatalf("dropped = %d, want 2000", sum.DroppedBytes)
	}
	if math.Abs(sum.TotalAudioSeconds-2.0) > 0.01 {
		t.Fatalf("audio seconds = %.3f, want 2.0", sum.TotalAudioSeconds)
	}
}

func TestSessionForcedFlushOnMaxWindow(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	sink := &captureSink{}
	s := NewSession(context.Background(), "s3", Config{
		SampleRate:        1000,
		BatchWindowSec:    0.5,
		MaxBatchWindowSec: 0.5,
		FlushIntervalSec:  0.05,
	}, mock, sink, nil, metrics.NoopObserver{})
	defer s.Close()

	// 0.1s of audio, well below the min batch threshold.
	if err := s.AppendAudio(make([]byte, 200)); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if indices, _, _ := sink.snapshot(); len(indices) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no batch after max window elapsed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, seconds, _ := sink.snapshot()
	if math.Abs(seconds[0]-0.1) > 0.001 {
		t.Fatalf("batch seconds = %.4f, want 0.1", seconds[0])
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	s := NewSession(context.Background(), "s4", Config{SampleRate: 1000}, mock, &captureSink{}, nil, metrics.NoopObserver{})

	if err := s.AppendAudio(make([]byte, 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	first := s.Close()
	second := s.Close()
	if first != second {
		t.Fatalf("summaries differ: %+v vs %+v", first, second)
	}
	err := s.AppendAudio(make([]byte, 10))
	if !errorsx.HasReason(err, errorsx.ReasonSessionClosed) {
		t.Fatalf("expected session_closed reason, got %v", err)
	}
}

func TestSessionReportsBatchErrors(t *testing.T) {
	boom := errors.New("backend down")
	mock := stt.NewMock(stt.MockConfig{Err: boom})
	sink := &captureSink{}
	s := NewSession(context.Background(), "s5", Config{SampleRate: 1000, BatchWindowSec: 1}, mock, sink, nil, metrics.NoopObserver{})

	if err := s.AppendAudio(make([]byte, 4000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	sum := s.Close()
	if sum.TotalBatches == 0 {
		t.Fatal("no batches processed")
	}
	_, _, errIdx := sink.snapshot()
	if len(errIdx) != sum.TotalBatches {
		t.Fatalf("error callbacks = %d, batches = %d", len(errIdx), sum.TotalBatches)
	}
	if sum.TranscriptChars != 0 {
		t.Fatalf("transcript should stay empty, got %d chars", sum.TranscriptChars)
	}
}

func TestRegistryRegisterGetPop(t *testing.T) {
	r := NewRegistry()
	mock := stt.NewMock(stt.MockConfig{})
	s := NewSession(context.Background(), "r1", Config{SampleRate: 1000}, mock, &captureSink{}, nil, metrics.NoopObserver{})

	if err := r.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(s); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if got := r.Get("r1"); got != s {
		t.Fatal("get returned wrong session")
	}
	if got := r.Pop("r1"); got != s {
		t.Fatal("pop returned wrong session")
	}
	if got := r.Pop("r1"); got != nil {
		t.Fatal("second pop should return nil")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
	s.Close()
}
