package server

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/livescribe/pkg/ingest"
	"github.com/harunnryd/livescribe/pkg/insight"
	"github.com/harunnryd/livescribe/pkg/llm"
	"github.com/harunnryd/livescribe/pkg/metrics"
	"github.com/harunnryd/livescribe/pkg/room"
	"github.com/harunnryd/livescribe/pkg/stt"
)

func newTestServer(t *testing.T, transcriber stt.Transcriber, insights *insight.Manager, defaults Defaults) (*httptest.Server, func() *websocket.Conn) {
	t.Helper()
	s := New(Config{}, defaults, Deps{
		Registry:    ingest.NewRegistry(),
		Insights:    insights,
		Rooms:       room.NewManager(),
		Transcriber: transcriber,
		Observer:    metrics.NoopObserver{},
	})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(ts.URL, "http")
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	}
	return ts, dial
}

func readEvent(t *testing.T, ws *websocket.Conn) (map[string]any, error) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var evt map[string]any
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	return evt, nil
}

func mustReadEvent(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	evt, err := readEvent(t, ws)
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	if evt["event"] != want {
		t.Fatalf("event = %v, want %s (payload %v)", evt["event"], want, evt)
	}
	if evt["session_id"] == "" || evt["session_id"] == nil {
		t.Fatalf("%s missing session_id", want)
	}
	return evt
}

func sendJSON(t *testing.T, ws *websocket.Conn, v map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{Texts: []string{"hello there"}})
	_, dial := newTestServer(t, mock, nil, Defaults{FlushIntervalSec: 0.2})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{
		"event":            "start",
		"encoding":         "pcm16",
		"sample_rate":      16000,
		"batch_window_sec": 5.0,
	})
	started := mustReadEvent(t, ws, EventSessionStarted)
	if started["sample_rate"].(float64) != 16000 {
		t.Fatalf("sample_rate = %v", started["sample_rate"])
	}

	// 12 seconds of audio in 1-second chunks.
	chunk := base64.StdEncoding.EncodeToString(make([]byte, 16000*2))
	for i := 0; i < 12; i++ {
		sendJSON(t, ws, map[string]any{"event": "audio", "chunk": chunk})
	}
	sendJSON(t, ws, map[string]any{"event": "stop"})

	batches := 0
	var summary map[string]any
	for {
		evt, err := readEvent(t, ws)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch evt["event"] {
		case EventBatchProcessed:
			batches++
		case EventFinalSummary:
			summary = evt
		case EventSessionEnded:
			if summary == nil {
				t.Fatal("session_ended before final_summary")
			}
			if batches < 2 || batches > 3 {
				t.Fatalf("batch_processed events = %d, want 2 or 3", batches)
			}
			total := summary["total_audio_seconds"].(float64)
			if math.Abs(total-12.0) > 0.1 {
				t.Fatalf("total_audio_seconds = %.3f, want 12.0", total)
			}
			return
		case EventError:
			t.Fatalf("unexpected error event: %v", evt)
		}
	}
}

func TestStartRejectsBadEncoding(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{"event": "start", "encoding": "mulaw"})
	mustReadEvent(t, ws, EventError)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, CloseBadEncoding) {
		t.Fatalf("expected close %d, got %v", CloseBadEncoding, err)
	}
}

func TestStartRejectsRoomWithoutRole(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{"event": "start", "room_id": "r1"})
	mustReadEvent(t, ws, EventError)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, CloseMissingRole) {
		t.Fatalf("expected close %d, got %v", CloseMissingRole, err)
	}
}

func TestRoomPairingOverProtocol(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})

	agent := dial()
	mustReadEvent(t, agent, EventReady)
	sendJSON(t, agent, map[string]any{"event": "start", "room_id": "r1", "role": "agent"})
	joined := mustReadEvent(t, agent, EventRoomJoined)
	if joined["status"] != string(room.StatusWaiting) {
		t.Fatalf("agent join status = %v, want waiting", joined["status"])
	}
	mustReadEvent(t, agent, EventSessionStarted)

	client := dial()
	mustReadEvent(t, client, EventReady)
	sendJSON(t, client, map[string]any{"event": "start", "room_id": "r1", "role": "client"})
	joined = mustReadEvent(t, client, EventRoomJoined)
	if joined["status"] != string(room.StatusActive) {
		t.Fatalf("client join status = %v, want active", joined["status"])
	}
	mustReadEvent(t, client, EventSessionStarted)

	// The room is full: a third participant is turned away.
	third := dial()
	mustReadEvent(t, third, EventReady)
	sendJSON(t, third, map[string]any{"event": "start", "room_id": "r1", "role": "agent"})
	mustReadEvent(t, third, EventError)
	_ = third.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := third.ReadMessage()
	if !websocket.IsCloseError(err, CloseRoomJoinFailed) {
		t.Fatalf("expected close %d, got %v", CloseRoomJoinFailed, err)
	}
}

func TestMalformedAudioIsNonFatal(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{"event": "start"})
	mustReadEvent(t, ws, EventSessionStarted)

	sendJSON(t, ws, map[string]any{"event": "audio", "chunk": "%%%not-base64%%%"})
	mustReadEvent(t, ws, EventError)

	// The session survives and can still stop cleanly.
	sendJSON(t, ws, map[string]any{"event": "stop"})
	mustReadEvent(t, ws, EventFinalSummary)
	mustReadEvent(t, ws, EventSessionEnded)
}

func TestUnexpectedEventsAreNonFatal(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})
	ws := dial()

	mustReadEvent(t, ws, EventReady)

	sendJSON(t, ws, map[string]any{"event": "audio", "chunk": ""})
	mustReadEvent(t, ws, EventError) // audio before start

	sendJSON(t, ws, map[string]any{"event": "bogus"})
	mustReadEvent(t, ws, EventError)

	sendJSON(t, ws, map[string]any{"event": "start"})
	mustReadEvent(t, ws, EventSessionStarted)

	sendJSON(t, ws, map[string]any{"event": "start"})
	mustReadEvent(t, ws, EventError) // start twice
}

func TestStopBeforeStartIsNonFatal(t *testing.T) {
	mock := stt.NewMock(stt.MockConfig{})
	_, dial := newTestServer(t, mock, nil, Defaults{})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{"event": "stop"})
	mustReadEvent(t, ws, EventError)

	// The connection stays usable: a start still brings a session up
	// and a second stop winds it down cleanly.
	sendJSON(t, ws, map[string]any{"event": "start"})
	mustReadEvent(t, ws, EventSessionStarted)
	sendJSON(t, ws, map[string]any{"event": "stop"})
	mustReadEvent(t, ws, EventFinalSummary)
	mustReadEvent(t, ws, EventSessionEnded)
}

func TestInsightsFlowOverProtocol(t *testing.T) {
	sttMock := stt.NewMock(stt.MockConfig{Texts: []string{
		"the customer says the order arrived damaged and wants a refund today",
	}})
	llmMock := llm.NewMock(llm.MockConfig{Texts: []string{"Customer expects a refund."}})
	insights := insight.NewManager(llmMock, metrics.NoopObserver{}, insight.ManagerConfig{Workers: 2})
	t.Cleanup(insights.Close)

	_, dial := newTestServer(t, sttMock, insights, Defaults{
		FlushIntervalSec: 0.2,
		Insight:          insight.Config{MinTokens: 5, MinInterval: time.Millisecond},
	})
	ws := dial()

	mustReadEvent(t, ws, EventReady)
	sendJSON(t, ws, map[string]any{
		"event":            "start",
		"sample_rate":      16000,
		"batch_window_sec": 3.0,
		"enable_insights":  true,
	})
	mustReadEvent(t, ws, EventSessionStarted)

	chunk := base64.StdEncoding.EncodeToString(make([]byte, 16000*2*4))
	sendJSON(t, ws, map[string]any{"event": "audio", "chunk": chunk})

	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no insight event received")
		}
		evt, err := readEvent(t, ws)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt["event"] == EventInsight {
			if evt["text"] != "Customer expects a refund." {
				t.Fatalf("insight text = %v", evt["text"])
			}
			if evt["provider"] != "mock_llm" {
				t.Fatalf("insight provider = %v", evt["provider"])
			}
			break
		}
	}
	sendJSON(t, ws, map[string]any{"event": "stop"})
}
