// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Event store constants
const (
	// EventRetention is how long a signaling event stays in a recipient queue
	EventRetention = 1 * time.Hour

	// EventSweepInterval is how often stale events are cleared
	EventSweepInterval = 10 * time.Minute
)

// Call signaling constants
const (
	// RingTimeout is how long a call may ring before the caller ends it
	RingTimeout = 30 * time.Second

	// DismissDelay is the grace period before a finished call is dismissed
	DismissDelay = 3 * time.Second

	// PollInterval is the default polling transport interval
	PollInterval = 2 * time.Second

	// MaxConsecutivePollFailures opens the polling circuit breaker
	MaxConsecutivePollFailures = 5

	// PollBreakerCooldown is how long the breaker stays open before probing again
	PollBreakerCooldown = 15 * time.Second

	// PushReconnectAttempts bounds push transport redial attempts
	PushReconnectAttempts = 5

	// MaxSignalingConnections is the default WebSocket connection cap
	MaxSignalingConnections = 1000
)

// Channel roles
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)
