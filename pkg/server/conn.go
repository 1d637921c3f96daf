package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/livescribe/pkg/configutil"
	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/ingest"
	"github.com/harunnryd/livescribe/pkg/insight"
	"github.com/harunnryd/livescribe/pkg/room"
)

type connState int

const (
	stateAwaitingStart connState = iota
	stateStreaming
	stateClosing
	stateClosed
)

const insightConfidence = 0.9

// conn drives one websocket connection through the session lifecycle.
// The read loop owns the state field; outbound frames from any
// goroutine go through the send channel and a single writer.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	sessionID string
	logger    *slog.Logger

	state connState // read-loop only

	sendCh    chan []byte
	writeDone chan struct{}
	closed    atomic.Bool

	mu       sync.Mutex // guards sess, insights, roomID, role for cross-goroutine callbacks
	sess     *ingest.Session
	insights bool
	roomID   string
	role     room.Role
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	c := &conn{
		srv:       srv,
		ws:        ws,
		sessionID: uuid.NewString(),
		sendCh:    make(chan []byte, 256),
		writeDone: make(chan struct{}),
	}
	c.logger = srv.logger.With("session_id", c.sessionID)
	return c
}

// run services the connection until it closes. Teardown is
// unconditional: whatever path exits the loop, the session is popped
// and closed, the insight state dropped, and any room left.
func (c *conn) run() {
	go c.writeLoop()
	defer c.teardown()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection_panic", "panic", r)
			c.sendFatal("internal error", websocket.CloseInternalServerErr, "internal error")
		}
	}()

	c.sendEvent(EventReady, nil)
	c.logger.Info("connection_ready")

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var evt InboundEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.sendError("malformed json")
			continue
		}
		switch evt.Event {
		case EventStart:
			if !c.handleStart(evt) {
				return
			}
		case EventAudio:
			c.handleAudio(evt)
		case EventStop:
			if c.handleStop() {
				return
			}
		default:
			c.sendError("unknown event: " + evt.Event)
		}
	}
}

// handleStart validates the start event and brings up the session.
// Returns false when the violation is unrecoverable and the connection
// must close.
func (c *conn) handleStart(evt InboundEvent) bool {
	if c.state != stateAwaitingStart {
		c.sendError("session already started")
		return true
	}
	if evt.Encoding != "" && evt.Encoding != "pcm16" {
		c.sendFatal("unsupported encoding: "+evt.Encoding, CloseBadEncoding, "unsupported encoding")
		return false
	}
	if evt.RoomID != "" && evt.Role == "" {
		c.sendFatal("role is required when joining a room", CloseMissingRole, "missing role")
		return false
	}

	d := c.srv.defaults
	sampleRate := evt.SampleRate
	if sampleRate <= 0 {
		sampleRate = d.SampleRate
	}
	model := evt.Model
	if model == "" {
		model = d.Model
	}
	bw := evt.BatchWindowSec
	if bw <= 0 {
		bw = d.BatchWindowSec
	}
	bw = configutil.Clamp(bw, 3, 15)
	mbw := evt.MaxBatchWindowSec
	if mbw <= 0 {
		mbw = d.MaxBatchWindowSec
	}
	mbw = configutil.Clamp(mbw, bw, 20)

	cfg := ingest.Config{
		SampleRate:        sampleRate,
		BatchWindowSec:    bw,
		MaxBatchWindowSec: mbw,
		FlushIntervalSec:  d.FlushIntervalSec,
		MaxBufferSec:      d.MaxBufferSec,
		QueueCapacity:     d.QueueCapacity,
		Model:             model,
		Language:          evt.Language,
		Diarize:           evt.EnableDiarization,
	}

	sess := ingest.NewSession(c.srv.baseCtx, c.sessionID, cfg, c.srv.transcriber, c, c, c.srv.obs)
	if err := c.srv.registry.Register(sess); err != nil {
		sess.Close()
		c.sendFatal("session registration failed", websocket.CloseInternalServerErr, "registration failed")
		return false
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if evt.EnableInsights && c.srv.insights != nil {
		icfg := d.Insight
		icfg.Provider = evt.InsightProvider
		if evt.InsightModel != "" {
			icfg.Model = evt.InsightModel
		}
		c.srv.insights.Register(c.sessionID, icfg, c)
		c.mu.Lock()
		c.insights = true
		c.mu.Unlock()
	}

	if evt.RoomID != "" {
		status, err := c.srv.rooms.Join(evt.RoomID, c.sessionID, room.Role(evt.Role))
		if err != nil {
			c.logger.Warn("room_join_failed",
				"room_id", evt.RoomID,
				"reason_code", string(errorsx.Reason(err)),
			)
			c.sendFatal("room join failed: "+err.Error(), CloseRoomJoinFailed, "room join failed")
			return false
		}
		c.mu.Lock()
		c.roomID = evt.RoomID
		c.role = room.Role(evt.Role)
		c.mu.Unlock()
		c.sendEvent(EventRoomJoined, map[string]any{
			"room_id": evt.RoomID,
			"role":    evt.Role,
			"status":  string(status),
		})
	}

	c.sendEvent(EventSessionStarted, map[string]any{
		"model":                model,
		"sample_rate":          sampleRate,
		"batch_window_sec":     bw,
		"max_batch_window_sec": mbw,
		"insights_enabled":     evt.EnableInsights,
	})
	c.logger.Info("session_started", "model", model, "sample_rate", sampleRate)
	c.state = stateStreaming
	return true
}

func (c *conn) handleAudio(evt InboundEvent) {
	if c.state != stateStreaming {
		c.sendError("audio before start")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(evt.Chunk)
	if err != nil {
		c.sendError("malformed audio payload")
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if err := sess.AppendAudio(pcm); err != nil {
		c.sendError("audio rejected: " + err.Error())
	}
}

// handleStop winds the session down. Reports whether a session actually
// stopped; a stop outside Streaming is a protocol slip, not a reason to
// drop the connection.
func (c *conn) handleStop() bool {
	if c.state != stateStreaming {
		c.sendError("stop before start")
		return false
	}
	c.state = stateClosing

	sess := c.srv.registry.Pop(c.sessionID)
	if sess == nil {
		c.mu.Lock()
		sess = c.sess
		c.mu.Unlock()
	}
	summary := sess.Close()

	c.mu.Lock()
	insights := c.insights
	c.mu.Unlock()
	if insights {
		if !c.srv.insights.WaitIdle(c.sessionID, c.srv.defaults.CloseWait) {
			c.logger.Warn("insight_drain_timeout")
		}
	}

	c.sendEvent(EventFinalSummary, map[string]any{
		"total_batches":       summary.TotalBatches,
		"total_audio_seconds": summary.TotalAudioSeconds,
		"total_tokens":        summary.TotalTokens,
		"transcript_chars":    summary.TranscriptChars,
		"dropped_bytes":       summary.DroppedBytes,
	})
	c.sendEvent(EventSessionEnded, nil)
	c.logger.Info("session_ended",
		"batches", summary.TotalBatches,
		"audio_seconds", summary.TotalAudioSeconds,
	)
	return true
}

func (c *conn) teardown() {
	c.state = stateClosed

	c.mu.Lock()
	insights := c.insights
	roomID := c.roomID
	c.mu.Unlock()

	if insights {
		c.srv.insights.CloseSession(c.sessionID)
	}
	if sess := c.srv.registry.Pop(c.sessionID); sess != nil {
		sess.Close()
	}
	if roomID != "" {
		c.srv.rooms.Leave(roomID, c.sessionID)
	}

	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	<-c.writeDone
	_ = c.ws.Close()
	c.logger.Debug("connection_closed")
}

func (c *conn) writeLoop() {
	defer close(c.writeDone)
	for msg := range c.sendCh {
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
	}
}

// sendEvent queues an outbound frame. A full queue drops the frame
// rather than stall a session worker.
func (c *conn) sendEvent(event string, fields map[string]any) {
	payload := map[string]any{
		"event":      event,
		"session_id": c.sessionID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if c.closed.Load() {
		return
	}
	select {
	case c.sendCh <- b:
	default:
		c.logger.Warn("send_queue_full", "event", event,
			"reason_code", string(errorsx.ReasonTransportSend))
	}
}

func (c *conn) sendError(message string) {
	c.sendEvent(EventError, map[string]any{"message": message})
}

// sendFatal delivers a terminal error. The write pump is stopped and
// drained first, then the error frame and the close frame are written
// in order on this goroutine; queuing the error like a normal event
// would race the close frame and the client might never see it.
func (c *conn) sendFatal(message string, code int, reason string) {
	b, err := json.Marshal(map[string]any{
		"event":      EventError,
		"session_id": c.sessionID,
		"message":    message,
	})
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	<-c.writeDone
	if err == nil {
		_ = c.ws.WriteMessage(websocket.TextMessage, b)
	}
	c.closeWith(code, reason)
}

func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// Sink callbacks, invoked from session and pool workers.

func (c *conn) BatchProcessed(index int, audioSeconds float64, transcriptChars int) {
	c.sendEvent(EventBatchProcessed, map[string]any{
		"batch_index":       index,
		"duration_sec":      audioSeconds,
		"transcript_length": transcriptChars,
	})
}

func (c *conn) BatchError(index int, err error) {
	c.sendEvent(EventError, map[string]any{
		"message":     "batch failed: " + err.Error(),
		"batch_index": index,
	})
}

func (c *conn) InsightGenerated(ins insight.Insight) {
	c.sendEvent(EventInsight, map[string]any{
		"text":       ins.Text,
		"confidence": insightConfidence,
		"model":      ins.Model,
		"provider":   ins.Provider,
		"timestamp":  ins.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// IngestTranscript fans the accumulated transcript out to the insight
// pipeline and, when paired, the room's role transcript.
func (c *conn) IngestTranscript(sessionID, fullText string) {
	c.mu.Lock()
	insights := c.insights
	roomID := c.roomID
	c.mu.Unlock()

	if insights {
		c.srv.insights.Ingest(sessionID, fullText)
	}
	if roomID != "" {
		_ = c.srv.rooms.UpdateTranscript(roomID, sessionID, fullText)
	}
}

var (
	_ ingest.Sink     = (*conn)(nil)
	_ ingest.Ingestor = (*conn)(nil)
	_ insight.Sink    = (*conn)(nil)
)
