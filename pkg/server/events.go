package server

// Inbound event names.
const (
	EventStart = "start"
	EventAudio = "audio"
	EventStop  = "stop"
)

// Outbound event names. Every outbound payload carries session_id.
const (
	EventReady          = "ready"
	EventSessionStarted = "session_started"
	EventRoomJoined     = "room_joined"
	EventBatchProcessed = "batch_processed"
	EventInsight        = "insight"
	EventFinalSummary   = "final_summary"
	EventSessionEnded   = "session_ended"
	EventError          = "error"
)

// Close codes for unrecoverable protocol violations.
const (
	CloseBadEncoding    = 4400
	CloseMissingRole    = 4401
	CloseRoomJoinFailed = 4403
)

// InboundEvent is the union of all client-to-server frames.
type InboundEvent struct {
	Event string `json:"event"`

	// start
	Encoding          string  `json:"encoding,omitempty"`
	SampleRate        int     `json:"sample_rate,omitempty"`
	Model             string  `json:"model,omitempty"`
	Language          string  `json:"language,omitempty"`
	BatchWindowSec    float64 `json:"batch_window_sec,omitempty"`
	MaxBatchWindowSec float64 `json:"max_batch_window_sec,omitempty"`
	EnableDiarization bool    `json:"enable_diarization,omitempty"`
	EnableInsights    bool    `json:"enable_insights,omitempty"`
	InsightProvider   string  `json:"insight_provider,omitempty"`
	InsightModel      string  `json:"insight_model,omitempty"`
	RoomID            string  `json:"room_id,omitempty"`
	Role              string  `json:"role,omitempty"`

	// audio
	Chunk string `json:"chunk,omitempty"`
}
