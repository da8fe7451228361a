package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/metrics"
)

// Mailbox persists per-recipient event queues
type Mailbox interface {
	// Append adds ev to the queue of ev.RecipientID
	Append(ctx context.Context, ev *domain.SignalingEvent) error
	// Since returns events of userID with timestamp > since, oldest first
	Since(ctx context.Context, userID string, since int64) ([]domain.SignalingEvent, error)
	// Purge removes events with timestamp < before and returns how many were dropped
	Purge(ctx context.Context, before int64) (int, error)
}

// Observer is notified after an event lands in a queue
type Observer func(ev domain.SignalingEvent)

// Store routes signaling events into recipient queues
type Store struct {
	mailbox   Mailbox
	retention time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics

	// mu serializes appends so timestamps and queue order agree
	mu     sync.Mutex
	lastTS int64

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int
}

// NewStore creates an event store. A nil mailbox selects the in-memory backend,
// a nil clock the wall clock.
func NewStore(mailbox Mailbox, retention time.Duration, clk clock.Clock, m *metrics.Metrics) *Store {
	if mailbox == nil {
		mailbox = NewMemoryMailbox()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		mailbox:   mailbox,
		retention: retention,
		clock:     clk,
		metrics:   m,
		observers: make(map[int]Observer),
	}
}

// AddEvent appends an event to the sender's queue and routes copies to the
// other parties named in the payload. Copies share the original's id and timestamp.
func (s *Store) AddEvent(ctx context.Context, senderID string, eventType domain.EventType, data json.RawMessage) (string, int64, error) {
	if senderID == "" {
		return "", 0, apperrors.MissingFieldError("userId")
	}
	if eventType == "" {
		return "", 0, apperrors.MissingFieldError("eventType")
	}

	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	if !json.Valid(data) {
		return "", 0, apperrors.ValidationError("data must be valid JSON")
	}

	original := domain.SignalingEvent{
		ID:          uuid.NewString(),
		RecipientID: senderID,
		SenderID:    senderID,
		Type:        eventType,
		Data:        data,
	}
	copies := route(original)

	s.mu.Lock()
	original.Timestamp = s.nextTimestamp()
	if err := s.append(ctx, &original); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	delivered := []domain.SignalingEvent{original}
	for i := range copies {
		copies[i].Timestamp = original.Timestamp
		if err := s.append(ctx, &copies[i]); err != nil {
			// the original is stored; the recipient misses this copy
			logger.Warn("Failed to route signaling event",
				zap.String("event_id", original.ID),
				zap.String("recipient_id", copies[i].RecipientID),
				zap.Error(err),
			)
			continue
		}
		delivered = append(delivered, copies[i])
	}
	s.mu.Unlock()

	s.metrics.RecordEventAppended(string(eventType))
	for _, ev := range delivered[1:] {
		s.metrics.RecordEventRouted(string(ev.Type))
	}

	logger.FromContext(ctx).Debug("Signaling event stored",
		zap.String("event_id", original.ID),
		zap.String("event_type", string(eventType)),
		zap.String("sender_id", senderID),
		zap.Int("routed", len(delivered)-1),
	)

	s.notify(delivered)
	return original.ID, original.Timestamp, nil
}

// GetEvents returns every event in userID's queue newer than since
func (s *Store) GetEvents(ctx context.Context, userID string, since int64) ([]domain.SignalingEvent, error) {
	if userID == "" {
		return nil, apperrors.MissingFieldError("userId")
	}

	events, err := s.mailbox.Since(ctx, userID, since)
	if err != nil {
		s.metrics.RecordStoreError("since")
		return nil, wrapBackendError(err)
	}
	s.metrics.RecordEventsPolled(len(events))
	return events, nil
}

// ClearOldEvents drops every event older than the retention window
func (s *Store) ClearOldEvents(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.retention).UnixMilli()

	removed, err := s.mailbox.Purge(ctx, cutoff)
	if err != nil {
		s.metrics.RecordStoreError("purge")
		return 0, wrapBackendError(err)
	}
	s.metrics.RecordEventsSwept(removed)
	return removed, nil
}

// StartCleanup runs ClearOldEvents every interval.
// Returns a stop function that can be called to cancel the cleanup goroutine
func (s *Store) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	ticker := s.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed, err := s.ClearOldEvents(context.Background())
				if err != nil {
					logger.Warn("Signaling event sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("Signaling event sweep finished", zap.Int("removed", removed))
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Subscribe registers fn for every stored event, including routed copies.
// The returned function unregisters it.
func (s *Store) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(events []domain.SignalingEvent) {
	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.obsMu.RUnlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// nextTimestamp returns a millisecond timestamp strictly greater than the
// previous one. Caller must hold s.mu.
func (s *Store) nextTimestamp() int64 {
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Store) append(ctx context.Context, ev *domain.SignalingEvent) error {
	if err := s.mailbox.Append(ctx, ev); err != nil {
		s.metrics.RecordStoreError("append")
		return wrapBackendError(err)
	}
	return nil
}

// route builds the copies of original owed to other parties
func route(original domain.SignalingEvent) []domain.SignalingEvent {
	var recipients []string
	copyType := original.Type
	callerID, calleeID := domain.Parties(original.Data)

	switch original.Type {
	case domain.EventIncomingCall, domain.EventInitiateCall:
		recipients = []string{calleeID}
		copyType = domain.EventIncomingCall
	case domain.EventCallResponse, domain.EventCallEnded:
		recipients = []string{callerID, calleeID}
	default:
		return nil
	}

	var copies []domain.SignalingEvent
	seen := map[string]bool{original.SenderID: true}
	for _, id := range recipients {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		ev := original
		ev.RecipientID = id
		ev.Type = copyType
		copies = append(copies, ev)
	}
	return copies
}

func wrapBackendError(err error) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	return apperrors.StorageError(fmt.Errorf("event store: %w", err))
}
