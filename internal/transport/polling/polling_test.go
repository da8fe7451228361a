package polling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecare-signaling/internal/domain"
	signalinghttp "telecare-signaling/internal/handler/http/signaling"
	"telecare-signaling/internal/middleware"
	"telecare-signaling/internal/service/channel"
	"telecare-signaling/internal/service/eventstore"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/jwt"
)

type fixture struct {
	store    *eventstore.Store
	server   *httptest.Server
	jwt      *jwt.JWTManager
	requests atomic.Int64
	failing  atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store: eventstore.NewStore(nil, time.Hour, nil, nil),
		jwt:   jwt.NewJWTManager("poll-test-secret", time.Hour),
	}

	router := gin.New()
	api := router.Group("/api")
	api.Use(func(c *gin.Context) {
		f.requests.Add(1)
		if f.failing.Load() {
			c.AbortWithStatus(http.StatusBadGateway)
			return
		}
		c.Next()
	})
	api.Use(middleware.BearerAuth(f.jwt))
	signalinghttp.NewHandler(f.store, channel.NewTracker(nil, nil)).Register(api)

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.jwt.GenerateAccessToken(userID, "", "patient")
	require.NoError(t, err)
	return token
}

type collector struct {
	mu     sync.Mutex
	events []domain.SignalingEvent
}

func (c *collector) handle(ev domain.SignalingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func initiate(t *testing.T, store *eventstore.Store, callID string) int64 {
	t.Helper()
	data, err := json.Marshal(domain.IncomingCallData{
		CallID: callID, CallerID: "P1", CalleeID: "D1", AppointmentID: "A1", ChannelName: "A1",
	})
	require.NoError(t, err)
	_, ts, err := store.AddEvent(context.Background(), "P1", domain.EventInitiateCall, data)
	require.NoError(t, err)
	return ts
}

func TestPolling_DeliversAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewMock()
	tr := New(Config{BaseURL: f.server.URL, Interval: 2 * time.Second, Clock: clk})
	t.Cleanup(tr.Disconnect)

	got := &collector{}
	tr.Subscribe(got.handle)

	first := initiate(t, f.store, "call_1_P1_D1")
	require.NoError(t, tr.Connect(context.Background(), f.token(t, "D1"), "D1"))

	assert.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return tr.Cursor() == first }, time.Second, 10*time.Millisecond)
	assert.Equal(t, transport.StateConnected, tr.State())

	second := initiate(t, f.store, "call_2_P1_D1")
	before := f.requests.Load()
	clk.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return tr.Cursor() == second }, time.Second, 10*time.Millisecond)
	assert.Greater(t, f.requests.Load(), before)

	// nothing new: a further tick must not redeliver
	before = f.requests.Load()
	clk.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return f.requests.Load() > before }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, got.len())
}

func TestPolling_UnauthorizedStopsLoop(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewMock()
	tr := New(Config{BaseURL: f.server.URL, Interval: time.Second, Clock: clk})
	t.Cleanup(tr.Disconnect)

	require.NoError(t, tr.Connect(context.Background(), "not-a-jwt", "D1"))

	assert.Eventually(t, func() bool { return tr.State() == transport.StateUnauthorized }, 2*time.Second, 10*time.Millisecond)

	count := f.requests.Load()
	clk.Add(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, f.requests.Load())
}

func TestPolling_BreakerReportsUnavailableAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.failing.Store(true)

	clk := clock.NewMock()
	tr := New(Config{
		BaseURL:     f.server.URL,
		Interval:    time.Second,
		MaxFailures: 3,
		Cooldown:    50 * time.Millisecond,
		Clock:       clk,
	})
	t.Cleanup(tr.Disconnect)

	var states []transport.State
	var mu sync.Mutex
	tr.OnStateChange(func(s transport.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background(), f.token(t, "D1"), "D1"))
	assert.Eventually(t, func() bool { return f.requests.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, transport.StateUnavailable, tr.State())

	for want := int64(2); want <= 3; want++ {
		clk.Add(time.Second)
		n := want
		assert.Eventually(t, func() bool { return f.requests.Load() == n }, 2*time.Second, 10*time.Millisecond)
	}
	assert.Eventually(t, func() bool { return tr.State() == transport.StateUnavailable }, time.Second, 10*time.Millisecond)

	f.failing.Store(false)
	assert.Eventually(t, func() bool {
		clk.Add(time.Second)
		return tr.State() == transport.StateConnected
	}, 3*time.Second, 60*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, transport.StateUnavailable)
	assert.Equal(t, transport.StateConnected, states[len(states)-1])
}

func TestPolling_ThrottlingOpensBreaker(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := eventstore.NewStore(nil, time.Hour, nil, nil)
	var requests atomic.Int64

	router := gin.New()
	api := router.Group("/api")
	api.Use(func(c *gin.Context) {
		requests.Add(1)
		c.Next()
	})
	jwtManager := jwt.NewJWTManager("poll-test-secret", time.Hour)
	api.Use(middleware.BearerAuth(jwtManager))
	// one request per hour: everything after the first poll is throttled
	api.Use(middleware.NewRateLimiter(1, time.Hour, clock.NewMock()).Middleware())
	signalinghttp.NewHandler(store, channel.NewTracker(nil, nil)).Register(api)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	clk := clock.NewMock()
	tr := New(Config{BaseURL: server.URL, Interval: time.Second, MaxFailures: 3, Cooldown: time.Hour, Clock: clk})
	t.Cleanup(tr.Disconnect)

	token, err := jwtManager.GenerateAccessToken("D1", "", "doctor")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background(), token, "D1"))
	assert.Eventually(t, func() bool { return tr.State() == transport.StateConnected }, 2*time.Second, 10*time.Millisecond)

	for want := int64(2); want <= 4; want++ {
		clk.Add(time.Second)
		n := want
		assert.Eventually(t, func() bool { return requests.Load() == n }, 2*time.Second, 10*time.Millisecond)
	}
	assert.Eventually(t, func() bool { return tr.State() == transport.StateUnavailable }, time.Second, 10*time.Millisecond)

	_, err = tr.Emit(context.Background(), domain.EventCallEnded, domain.CallEndedData{CallID: "c"})
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestPolling_Emit(t *testing.T) {
	f := newFixture(t)
	tr := New(Config{BaseURL: f.server.URL, Interval: time.Hour, Clock: clock.NewMock()})
	t.Cleanup(tr.Disconnect)

	_, err := tr.Emit(context.Background(), domain.EventCallEnded, domain.CallEndedData{CallID: "c"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background(), f.token(t, "P1"), "P1"))

	res, err := tr.Emit(context.Background(), domain.EventInitiateCall, domain.IncomingCallData{
		CallID: "call_9_P1_D1", CallerID: "P1", CalleeID: "D1", AppointmentID: "A1", ChannelName: "A1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)

	events, err := f.store.GetEvents(context.Background(), "D1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.EventID, events[0].ID)
	assert.Equal(t, res.Timestamp, events[0].Timestamp)

	_, err = tr.Emit(context.Background(), "", map[string]any{"accepted": true})
	require.Error(t, err)
	assert.True(t, apperrors.IsClientError(err))
	assert.False(t, transport.IsTransient(err))
}

func TestPolling_EmitServerErrorIsTransient(t *testing.T) {
	f := newFixture(t)
	tr := New(Config{BaseURL: f.server.URL, Interval: time.Hour, Clock: clock.NewMock()})
	t.Cleanup(tr.Disconnect)
	require.NoError(t, tr.Connect(context.Background(), f.token(t, "P1"), "P1"))

	f.failing.Store(true)
	_, err := tr.Emit(context.Background(), domain.EventCallEnded, domain.CallEndedData{CallID: "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.True(t, transport.IsTransient(err))
}

func TestPolling_ConnectValidation(t *testing.T) {
	tr := New(Config{BaseURL: "http://localhost:1"})

	err := tr.Connect(context.Background(), "", "P1")
	assert.True(t, apperrors.IsClientError(err))

	err = tr.Connect(context.Background(), "token", "")
	assert.True(t, apperrors.IsClientError(err))
}
