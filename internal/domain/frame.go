package domain

import "encoding/json"

// FrameType tags a push-channel WebSocket frame
type FrameType string

const (
	FrameEmit  FrameType = "emit"  // client -> server
	FrameEvent FrameType = "event" // server -> client
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
)

// Frame is the envelope exchanged over the push channel
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	EventType EventType       `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Event     *SignalingEvent `json:"event,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Status    int             `json:"status,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}
