package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTranscribeRequest ReasonCode = "transcribe_request"
	ReasonTranscribeBackend ReasonCode = "transcribe_backend"
	ReasonTranscribeEmpty   ReasonCode = "transcribe_empty"

	ReasonInsightGenerate ReasonCode = "insight_generate"
	ReasonInsightEmpty    ReasonCode = "insight_empty"
	ReasonInsightQueue    ReasonCode = "insight_queue"

	ReasonRoomFull        ReasonCode = "room_full"
	ReasonRoomInvalidRole ReasonCode = "room_invalid_role"

	ReasonProtocolBadEvent   ReasonCode = "protocol_bad_event"
	ReasonProtocolBadPayload ReasonCode = "protocol_bad_payload"
	ReasonProtocolBadStart   ReasonCode = "protocol_bad_start"

	ReasonSessionClosed ReasonCode = "session_closed"
	ReasonTransportSend ReasonCode = "transport_send"
)
