package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParticipantID is a media-channel uid. Clients send it as a string or a number.
type ParticipantID string

// UnmarshalJSON accepts "42" and 42
func (p *ParticipantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*p = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = ParticipantID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("uid must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("uid must be a string or number: %w", err)
	}
	*p = ParticipantID(n.String())
	return nil
}

// Participant is a member of a media channel
type Participant struct {
	UID      ParticipantID `json:"uid"`
	Role     string        `json:"role,omitempty"` // patient, doctor
	JoinTime time.Time     `json:"joinTime"`
}

// ChannelAction is a join/leave request against the tracker
type ChannelAction string

const (
	ChannelActionJoin  ChannelAction = "join"
	ChannelActionLeave ChannelAction = "leave"
)

// ChannelStatus is the participant list of one channel
type ChannelStatus struct {
	Channel          string        `json:"channel"`
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participantCount"`
}
