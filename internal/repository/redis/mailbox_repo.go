package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"telecare-signaling/internal/database"
	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
)

const queueIndexKey = "signaling:queues"

// MailboxRepository stores each recipient queue as a sorted set scored by
// event timestamp. A plain set indexes the queue keys for the retention sweep.
type MailboxRepository struct {
	client *database.RedisClient
}

// NewMailboxRepository creates a new MailboxRepository
func NewMailboxRepository(client *database.RedisClient) *MailboxRepository {
	return &MailboxRepository{client: client}
}

func queueKey(userID string) string {
	return fmt.Sprintf("signaling:queue:%s", userID)
}

// Append adds ev to its recipient's queue
func (r *MailboxRepository) Append(ctx context.Context, ev *domain.SignalingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := queueKey(ev.RecipientID)
	if err := r.client.SafeZAdd(ctx, key, data, float64(ev.Timestamp)).Err(); err != nil {
		return mapError("failed to append event", err)
	}
	if err := r.client.SafeSAdd(ctx, queueIndexKey, key).Err(); err != nil {
		return mapError("failed to index queue", err)
	}
	return nil
}

// Since returns events of userID with timestamp > since, oldest first
func (r *MailboxRepository) Since(ctx context.Context, userID string, since int64) ([]domain.SignalingEvent, error) {
	members, err := r.client.SafeZRangeByScore(ctx, queueKey(userID), since).Result()
	if err != nil {
		return nil, mapError("failed to read queue", err)
	}

	events := make([]domain.SignalingEvent, 0, len(members))
	for _, m := range members {
		var ev domain.SignalingEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			logger.Warn("Skipping undecodable queued event",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Purge removes events with timestamp < before from every indexed queue
func (r *MailboxRepository) Purge(ctx context.Context, before int64) (int, error) {
	keys, err := r.client.SafeSMembers(ctx, queueIndexKey).Result()
	if err != nil {
		return 0, mapError("failed to list queues", err)
	}

	removed := 0
	for _, key := range keys {
		n, err := r.client.SafeZRemRangeByScore(ctx, key, before).Result()
		if err != nil {
			return removed, mapError("failed to purge queue", err)
		}
		removed += int(n)

		left, err := r.client.SafeZCard(ctx, key).Result()
		if err != nil {
			return removed, mapError("failed to size queue", err)
		}
		if left == 0 {
			if err := r.client.SafeSRem(ctx, queueIndexKey, key).Err(); err != nil {
				return removed, mapError("failed to unindex queue", err)
			}
		}
	}
	return removed, nil
}

func mapError(msg string, err error) error {
	if errors.Is(err, database.ErrDegraded) {
		return apperrors.ServiceUnavailableError("Signaling store unavailable")
	}
	return fmt.Errorf("%s: %w", msg, err)
}
