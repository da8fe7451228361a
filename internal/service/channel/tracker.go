package channel

import (
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/metrics"
)

// Tracker keeps the participant roster of each media channel in memory
type Tracker struct {
	mu       sync.Mutex
	channels map[string][]domain.Participant
	total    int
	clock    clock.Clock
	metrics  *metrics.Metrics
}

// NewTracker creates an empty tracker
func NewTracker(clk clock.Clock, m *metrics.Metrics) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		channels: make(map[string][]domain.Participant),
		clock:    clk,
		metrics:  m,
	}
}

// Join adds uid to channel. Joining twice keeps the first entry.
func (t *Tracker) Join(channel string, uid domain.ParticipantID, role string) (domain.ChannelStatus, error) {
	if channel == "" {
		return domain.ChannelStatus{}, apperrors.MissingFieldError("channel")
	}
	if uid == "" {
		return domain.ChannelStatus{}, apperrors.MissingFieldError("uid")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.channels[channel] {
		if p.UID == uid {
			return t.statusLocked(channel), nil
		}
	}

	t.channels[channel] = append(t.channels[channel], domain.Participant{
		UID:      uid,
		Role:     role,
		JoinTime: t.clock.Now(),
	})
	t.total++
	t.metrics.SetChannelParticipants(t.total)

	logger.Debug("Participant joined channel",
		zap.String("channel", channel),
		zap.String("uid", string(uid)),
		zap.String("role", role))
	return t.statusLocked(channel), nil
}

// Leave removes uid from channel; leaving a channel you are not in is a no-op
func (t *Tracker) Leave(channel string, uid domain.ParticipantID) (domain.ChannelStatus, error) {
	if channel == "" {
		return domain.ChannelStatus{}, apperrors.MissingFieldError("channel")
	}
	if uid == "" {
		return domain.ChannelStatus{}, apperrors.MissingFieldError("uid")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	participants := t.channels[channel]
	for i, p := range participants {
		if p.UID != uid {
			continue
		}
		participants = append(participants[:i:i], participants[i+1:]...)
		t.total--
		t.metrics.SetChannelParticipants(t.total)
		break
	}

	if len(participants) == 0 {
		delete(t.channels, channel)
	} else {
		t.channels[channel] = participants
	}
	return t.statusLocked(channel), nil
}

// Apply dispatches a join or leave action
func (t *Tracker) Apply(channel string, uid domain.ParticipantID, role string, action domain.ChannelAction) (domain.ChannelStatus, error) {
	switch action {
	case domain.ChannelActionJoin:
		return t.Join(channel, uid, role)
	case domain.ChannelActionLeave:
		return t.Leave(channel, uid)
	default:
		return domain.ChannelStatus{}, apperrors.ValidationError("action must be join or leave")
	}
}

// Status returns the participants of channel in join order
func (t *Tracker) Status(channel string) (domain.ChannelStatus, error) {
	if channel == "" {
		return domain.ChannelStatus{}, apperrors.MissingFieldError("channel")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(channel), nil
}

func (t *Tracker) statusLocked(channel string) domain.ChannelStatus {
	participants := make([]domain.Participant, len(t.channels[channel]))
	copy(participants, t.channels[channel])
	return domain.ChannelStatus{
		Channel:          channel,
		Participants:     participants,
		ParticipantCount: len(participants),
	}
}
