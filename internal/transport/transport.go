package transport

import (
	"context"
	"errors"
	"sync"

	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
)

// State is the connectivity of a transport as seen by its users
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateUnavailable  State = "unavailable"
	StateUnauthorized State = "unauthorized"
)

// ErrUnavailable marks a network or server failure worth retrying later
var ErrUnavailable = errors.New("signaling unavailable")

// ErrNotConnected is returned by Emit before Connect
var ErrNotConnected = errors.New("transport not connected")

// EmitResult is the store's acknowledgement of an emitted event
type EmitResult struct {
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

// Handler receives events addressed to the connected user
type Handler func(ev domain.SignalingEvent)

// Transport moves signaling events between a client and the event store
type Transport interface {
	// Emit sends an event on behalf of the connected user
	Emit(ctx context.Context, eventType domain.EventType, data any) (*EmitResult, error)
	// Subscribe registers h for incoming events; the returned func unregisters it
	Subscribe(h Handler) func()
}

// StateNotifier is implemented by transports that report connectivity changes
type StateNotifier interface {
	OnStateChange(fn func(State)) func()
	State() State
}

// IsTransient reports whether err is worth retrying. Client errors (4xx) are
// not, unless they wrap ErrUnavailable as throttling does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return !apperrors.IsClientError(err)
}

// Dispatcher fans events and state changes out to subscribers. Transports embed it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	watchers map[int]func(State)
	nextID   int
	state    State
}

// NewDispatcher creates a dispatcher in StateDisconnected
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[int]Handler),
		watchers: make(map[int]func(State)),
		state:    StateDisconnected,
	}
}

// Subscribe registers h for dispatched events
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// OnStateChange registers fn for state transitions
func (d *Dispatcher) OnStateChange(fn func(State)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.watchers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.watchers, id)
		d.mu.Unlock()
	}
}

// Dispatch delivers ev to every handler
func (d *Dispatcher) Dispatch(ev domain.SignalingEvent) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// State returns the last state set
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState records s and notifies watchers if it changed
func (d *Dispatcher) SetState(s State) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	watchers := make([]func(State), 0, len(d.watchers))
	for _, fn := range d.watchers {
		watchers = append(watchers, fn)
	}
	d.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}
