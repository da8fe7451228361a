package eventstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/pkg/logger"
)

// MemoryMailbox keeps every recipient queue in process memory
type MemoryMailbox struct {
	mu     sync.RWMutex
	queues map[string][]domain.SignalingEvent
}

// NewMemoryMailbox creates an empty in-memory mailbox
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		queues: make(map[string][]domain.SignalingEvent),
	}
}

// Append adds ev to the end of its recipient's queue
func (m *MemoryMailbox) Append(ctx context.Context, ev *domain.SignalingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[ev.RecipientID] = append(m.queues[ev.RecipientID], *ev)
	return nil
}

// Since returns the events of userID with timestamp > since, in append order
func (m *MemoryMailbox) Since(ctx context.Context, userID string, since int64) ([]domain.SignalingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queue := m.queues[userID]
	// queues are appended in timestamp order
	i := sort.Search(len(queue), func(i int) bool { return queue[i].Timestamp > since })

	out := make([]domain.SignalingEvent, len(queue)-i)
	copy(out, queue[i:])
	return out, nil
}

// Purge drops events with timestamp < before and removes emptied queues
func (m *MemoryMailbox) Purge(ctx context.Context, before int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, queue := range m.queues {
		i := sort.Search(len(queue), func(i int) bool { return queue[i].Timestamp >= before })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(queue) {
			delete(m.queues, userID)
			continue
		}
		m.queues[userID] = append([]domain.SignalingEvent(nil), queue[i:]...)
	}

	if removed > 0 {
		logger.Debug("Expired signaling events cleaned up",
			zap.Int("count", removed),
			zap.Int("queues", len(m.queues)),
		)
	}
	return removed, nil
}

// Queues returns the number of non-empty recipient queues
func (m *MemoryMailbox) Queues() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}
