package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "telecare-signaling/pkg/errors"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []CircuitBreakerState
	b := NewBreaker(BreakerConfig{
		Name:                   "poll",
		MaxConsecutiveFailures: 3,
		Cooldown:               time.Hour,
		OnStateChange: func(from, to CircuitBreakerState) {
			transitions = append(transitions, to)
		},
	})

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	}

	assert.Equal(t, CircuitBreakerOpen, b.State())
	assert.Equal(t, []CircuitBreakerState{CircuitBreakerOpen}, transitions)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "poll", MaxConsecutiveFailures: 2, Cooldown: time.Hour})

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return apperrors.ValidationError("bad since") })
		assert.Error(t, err)
	}

	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_CustomClassifierCountsThrottling(t *testing.T) {
	throttled := apperrors.RateLimitedError()
	b := NewBreaker(BreakerConfig{
		Name:                   "poll",
		MaxConsecutiveFailures: 2,
		Cooldown:               time.Hour,
		IsSuccessful: func(err error) bool {
			return err == nil || (apperrors.IsClientError(err) && !errors.Is(err, throttled))
		},
	})

	_ = b.Execute(func() error { return throttled })
	_ = b.Execute(func() error { return throttled })

	assert.Equal(t, CircuitBreakerOpen, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "poll", MaxConsecutiveFailures: 2, Cooldown: time.Hour})
	boom := errors.New("timeout")

	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })

	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "poll", MaxConsecutiveFailures: 1, Cooldown: 20 * time.Millisecond})

	_ = b.Execute(func() error { return errors.New("down") })
	assert.Equal(t, CircuitBreakerOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}
