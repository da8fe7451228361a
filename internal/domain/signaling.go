package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a signaling event
type EventType string

const (
	EventIncomingCall EventType = "incoming-call"
	EventInitiateCall EventType = "initiate-call"
	EventCallResponse EventType = "call-response"
	EventCallEnded    EventType = "call-ended"
)

// SignalingEvent is one entry in a recipient's queue
type SignalingEvent struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"userId"`
	SenderID    string          `json:"senderId,omitempty"`
	Type        EventType       `json:"eventType"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"` // unix millis
}

// Payload is the typed body of a signaling event
type Payload interface {
	eventPayload()
}

// IncomingCallData is carried by initiate-call and incoming-call
type IncomingCallData struct {
	CallID        string `json:"callId"`
	CallerID      string `json:"callerId"`
	CallerName    string `json:"callerName,omitempty"`
	CalleeID      string `json:"calleeId"`
	CalleeName    string `json:"calleeName,omitempty"`
	AppointmentID string `json:"appointmentId"`
	ChannelName   string `json:"channelName"`
	CallType      string `json:"callType,omitempty"` // audio, video
}

// CallResponseData is carried by call-response
type CallResponseData struct {
	CallID        string `json:"callId"`
	CallerID      string `json:"callerId"`
	CalleeID      string `json:"calleeId"`
	AppointmentID string `json:"appointmentId"`
	ChannelName   string `json:"channelName,omitempty"`
	Accepted      bool   `json:"accepted"`
}

// CallEndedData is carried by call-ended
type CallEndedData struct {
	CallID        string `json:"callId"`
	CallerID      string `json:"callerId"`
	CalleeID      string `json:"calleeId"`
	AppointmentID string `json:"appointmentId"`
	EndedBy       string `json:"endedBy,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// RawData holds the body of an event type the service does not interpret
type RawData json.RawMessage

func (IncomingCallData) eventPayload() {}
func (CallResponseData) eventPayload() {}
func (CallEndedData) eventPayload()    {}
func (RawData) eventPayload()          {}

// MarshalJSON keeps RawData verbatim
func (r RawData) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("{}"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

// DecodePayload parses raw according to eventType. Known types decode into
// their struct; fields may be absent. Anything else is returned as RawData.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	switch eventType {
	case EventIncomingCall, EventInitiateCall:
		return decodeAs[IncomingCallData](eventType, raw)
	case EventCallResponse:
		return decodeAs[CallResponseData](eventType, raw)
	case EventCallEnded:
		return decodeAs[CallEndedData](eventType, raw)
	default:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid %s payload: not valid JSON", eventType)
		}
		return RawData(raw), nil
	}
}

func decodeAs[T Payload](eventType EventType, raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return p, nil
}

// Parties extracts callerId and calleeId from raw for routing. Missing,
// non-string or unparseable fields yield empty ids.
func Parties(raw json.RawMessage) (callerID, calleeID string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", ""
	}
	return stringField(fields, "callerId"), stringField(fields, "calleeId")
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var v string
	if err := json.Unmarshal(fields[key], &v); err != nil {
		return ""
	}
	return v
}

// CallIDOf returns the callId of a call payload, or "" for RawData
func CallIDOf(p Payload) string {
	switch v := p.(type) {
	case IncomingCallData:
		return v.CallID
	case CallResponseData:
		return v.CallID
	case CallEndedData:
		return v.CallID
	}
	return ""
}

// Decode returns the typed payload of the event
func (e *SignalingEvent) Decode() (Payload, error) {
	return DecodePayload(e.Type, e.Data)
}

// CallStatus is the lifecycle state of an ActiveCall
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusEnded     CallStatus = "ended"
)

// Terminal reports whether no further transitions are possible
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// CallDirection is the local party's role in a call
type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

// End reasons carried in call-ended payloads
const (
	EndReasonHangup      = "hangup"
	EndReasonTimeout     = "timeout"
	EndReasonRejected    = "rejected"
	EndReasonUnavailable = "signaling_unavailable"
)

// ActiveCall is a client-side, in-memory view of one call. Never persisted.
type ActiveCall struct {
	CallID        string        `json:"callId"`
	CallerID      string        `json:"callerId"`
	CallerName    string        `json:"callerName,omitempty"`
	CalleeID      string        `json:"calleeId"`
	CalleeName    string        `json:"calleeName,omitempty"`
	AppointmentID string        `json:"appointmentId"`
	ChannelName   string        `json:"channelName"`
	CallType      string        `json:"callType,omitempty"`
	Direction     CallDirection `json:"direction"`
	Status        CallStatus    `json:"status"`
	EndReason     string        `json:"endReason,omitempty"`
	EndedBy       string        `json:"endedBy,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	AnsweredAt    *time.Time    `json:"answeredAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// PeerID returns the other party of the call as seen by selfID
func (c *ActiveCall) PeerID(selfID string) string {
	if c.CallerID == selfID {
		return c.CalleeID
	}
	return c.CallerID
}

// IncomingCallData builds the initiate-call payload for this call
func (c *ActiveCall) IncomingCallData() IncomingCallData {
	return IncomingCallData{
		CallID:        c.CallID,
		CallerID:      c.CallerID,
		CallerName:    c.CallerName,
		CalleeID:      c.CalleeID,
		CalleeName:    c.CalleeName,
		AppointmentID: c.AppointmentID,
		ChannelName:   c.ChannelName,
		CallType:      c.CallType,
	}
}

// NewCallID builds call_<unixMillis>_<callerId>_<calleeId>
func NewCallID(at time.Time, callerID, calleeID string) string {
	return fmt.Sprintf("call_%d_%s_%s", at.UnixMilli(), callerID, calleeID)
}
