package insight

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// Session holds one connection's insight state: the transcript seen so
// far, the recent-segment ring, and the scheduling gate. All fields are
// guarded by mu; the sink is invoked outside it.
type Session struct {
	id   string
	cfg  Config
	sink Sink

	mu          sync.Mutex
	lastText    string   // full transcript at the previous ingest
	segments    []string // recent deltas, capped at 3x the context window
	inFlight    bool
	closed      bool
	lastEmit    time.Time
	lastInsight string
}

// ingest records the transcript delta and reports whether a generation
// should be scheduled. When it returns true the in-flight flag is
// already set; the caller must enqueue exactly one job.
func (s *Session) ingest(fullText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	delta := fullText
	if s.lastText != "" && strings.HasPrefix(fullText, s.lastText) {
		delta = strings.TrimSpace(fullText[len(s.lastText):])
	}
	s.lastText = fullText
	if delta != "" {
		s.segments = append(s.segments, delta)
		if max := 3 * s.cfg.ContextWindow; len(s.segments) > max {
			s.segments = append(s.segments[:0], s.segments[len(s.segments)-max:]...)
		}
	}

	if !s.shouldScheduleLocked() {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Session) shouldScheduleLocked() bool {
	if s.inFlight || s.closed {
		return false
	}
	if countTokens(strings.Join(s.segments, " ")) < s.cfg.MinTokens {
		return false
	}
	if !s.lastEmit.IsZero() && time.Since(s.lastEmit) < s.cfg.MinInterval {
		return false
	}
	return true
}

// promptState assembles the generation context: the most recent
// ContextWindow segments, front-truncated to MaxContextTokens, plus the
// previous insight for the assistant turn.
func (s *Session) promptState() (prompt, prev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := s.segments
	if len(recent) > s.cfg.ContextWindow {
		recent = recent[len(recent)-s.cfg.ContextWindow:]
	}
	prompt = strings.Join(recent, " ")
	if prompt == "" {
		prompt = s.lastText
	}
	prompt = lastNWords(prompt, s.cfg.MaxContextTokens)
	return prompt, s.lastInsight
}

// accept applies the novelty filter to a generated text. A near-repeat
// of the previous insight is suppressed but still counts as an emission
// for the interval gate, and still trims the retained context — the
// conversation has moved on either way.
func (s *Session) accept(text string, now time.Time) (suppressed bool, similarity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastInsight != "" {
		similarity = matchr.JaroWinkler(strings.ToLower(s.lastInsight), strings.ToLower(text), false)
		if similarity >= s.cfg.NoveltyThreshold {
			s.lastEmit = now
			s.trimLocked()
			return true, similarity
		}
	}
	s.lastInsight = text
	s.lastEmit = now
	s.trimLocked()
	return false, similarity
}

// trimLocked shrinks the retained transcript to the newest RetainTokens
// words and resets the segment ring to that remainder.
func (s *Session) trimLocked() {
	s.lastText = lastNWords(s.lastText, s.cfg.RetainTokens)
	if s.lastText == "" {
		s.segments = nil
		return
	}
	s.segments = []string{s.lastText}
}

// completeAndReschedule clears the in-flight flag and immediately
// re-runs the scheduling gate under the same lock, so transcript that
// arrived during generation is not stranded until the next ingest.
func (s *Session) completeAndReschedule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if !s.shouldScheduleLocked() {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Session) abandon() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// LastInsight returns the most recently emitted insight text.
func (s *Session) LastInsight() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInsight
}

func countTokens(text string) int {
	return len(strings.Fields(text))
}

// lastNWords keeps the newest n whitespace-delimited words of text.
func lastNWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[len(fields)-n:], " ")
}
