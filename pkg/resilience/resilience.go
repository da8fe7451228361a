package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without running the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	Name string
	// MaxConsecutiveFailures trips the breaker
	MaxConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open before a trial request is allowed
	Cooldown time.Duration
	// OnStateChange is called on every transition
	OnStateChange func(from, to CircuitBreakerState)
	// IsSuccessful classifies errors; nil counts nil and client errors (4xx) as success
	IsSuccessful func(err error) bool
}

// Breaker counts consecutive failures of a remote operation and stops calling
// it once the ceiling is reached. By default client errors (4xx) do not count
// as failures.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker creates a breaker from cfg
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = func(err error) bool {
			return err == nil || apperrors.IsClientError(err)
		}
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(convertState(from), convertState(to))
			}
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current breaker state
func (b *Breaker) State() CircuitBreakerState {
	return convertState(b.cb.State())
}

func convertState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerHalfOpen
	default:
		return CircuitBreakerClosed
	}
}
