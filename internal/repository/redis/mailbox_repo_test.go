package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecare-signaling/internal/database"
	"telecare-signaling/internal/domain"
	apperrors "telecare-signaling/pkg/errors"
)

// degradedClient points at a closed port so the first health check flips
// the client into degraded mode.
func degradedClient(t *testing.T) *database.RedisClient {
	t.Helper()
	client := database.NewRedisClient(goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}), nil)
	t.Cleanup(func() { _ = client.Close() })

	require.Error(t, client.HealthCheck(context.Background()))
	require.True(t, client.IsDegraded())
	return client
}

func newTestRepo(t *testing.T) (*MailboxRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := database.NewRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = client.Close() })
	return NewMailboxRepository(client), mr
}

func appendEvent(t *testing.T, repo *MailboxRepository, id, recipient string, ts int64) {
	t.Helper()
	require.NoError(t, repo.Append(context.Background(), &domain.SignalingEvent{
		ID:          id,
		RecipientID: recipient,
		SenderID:    "p1",
		Type:        domain.EventIncomingCall,
		Data:        json.RawMessage(`{"callId":"call_1_p1_d1","calleeId":"d1"}`),
		Timestamp:   ts,
	}))
}

func TestQueueKey(t *testing.T) {
	assert.Equal(t, "signaling:queue:d1", queueKey("d1"))
}

func TestMailboxRepository_DegradedReturnsUnavailable(t *testing.T) {
	repo := NewMailboxRepository(degradedClient(t))
	ctx := context.Background()

	err := repo.Append(ctx, &domain.SignalingEvent{ID: "e1", RecipientID: "d1", Type: "note", Timestamp: 1})
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeServiceUnavail, appErr.Code)

	_, err = repo.Since(ctx, "d1", 0)
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, 503, appErr.StatusCode)

	_, err = repo.Purge(ctx, 10)
	assert.ErrorAs(t, err, &appErr)
}

func TestMailboxRepository_AppendKeepsOrderAndRoundTrips(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	appendEvent(t, repo, "e1", "d1", 1000)
	appendEvent(t, repo, "e2", "d1", 1001)
	appendEvent(t, repo, "e3", "d1", 1002)

	events, err := repo.Since(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{events[0].ID, events[1].ID, events[2].ID})

	got := events[0]
	assert.Equal(t, "d1", got.RecipientID)
	assert.Equal(t, "p1", got.SenderID)
	assert.Equal(t, domain.EventIncomingCall, got.Type)
	assert.JSONEq(t, `{"callId":"call_1_p1_d1","calleeId":"d1"}`, string(got.Data))
	assert.Equal(t, int64(1000), got.Timestamp)
}

func TestMailboxRepository_SinceIsExclusive(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	appendEvent(t, repo, "e1", "d1", 1000)
	appendEvent(t, repo, "e2", "d1", 1001)

	events, err := repo.Since(ctx, "d1", 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)

	events, err = repo.Since(ctx, "d1", 1001)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = repo.Since(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMailboxRepository_PurgeRemovesExpiredAndUnindexesEmptyQueues(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	appendEvent(t, repo, "e1", "d1", 1000)
	appendEvent(t, repo, "e2", "p1", 1001)
	appendEvent(t, repo, "e3", "p1", 5000)

	removed, err := repo.Purge(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	members, err := mr.Members(queueIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{queueKey("p1")}, members)
	assert.False(t, mr.Exists(queueKey("d1")))

	events, err := repo.Since(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e3", events[0].ID)
}
