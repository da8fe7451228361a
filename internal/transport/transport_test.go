package transport

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
)

func TestIsTransient(t *testing.T) {
	throttled := apperrors.FromStatus(http.StatusTooManyRequests, "", "")
	throttled.Err = ErrUnavailable

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", fmt.Errorf("%w: connection refused", ErrUnavailable), true},
		{"server error", apperrors.ServiceUnavailableError("down"), true},
		{"unknown", fmt.Errorf("boom"), true},
		{"validation", apperrors.ValidationError("bad payload"), false},
		{"unauthorized", apperrors.UnauthorizedError("expired"), false},
		{"throttled", throttled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDispatcher_SubscribeAndUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	var first, second int
	unsubscribe := d.Subscribe(func(domain.SignalingEvent) { first++ })
	d.Subscribe(func(domain.SignalingEvent) { second++ })

	d.Dispatch(domain.SignalingEvent{ID: "a"})
	unsubscribe()
	d.Dispatch(domain.SignalingEvent{ID: "b"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestDispatcher_StateChangesNotifyOnce(t *testing.T) {
	d := NewDispatcher()
	assert.Equal(t, StateDisconnected, d.State())

	var seen []State
	d.OnStateChange(func(s State) { seen = append(seen, s) })

	d.SetState(StateConnected)
	d.SetState(StateConnected)
	d.SetState(StateUnavailable)

	assert.Equal(t, []State{StateConnected, StateUnavailable}, seen)
	assert.Equal(t, StateUnavailable, d.State())
}
