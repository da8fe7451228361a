package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/handler/ws"
	"telecare-signaling/internal/middleware"
	"telecare-signaling/internal/service/eventstore"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/jwt"
)

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func newHubServer(t *testing.T, jwtManager *jwt.JWTManager) (*eventstore.Store, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := eventstore.NewStore(nil, time.Hour, nil, nil)
	hub := ws.NewSignalingHub(store, ws.HubConfig{})
	t.Cleanup(hub.Close)

	router := gin.New()
	router.GET("/v1/signaling/ws", middleware.BearerAuth(jwtManager), hub.ServeWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return store, server
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

func (c *collector) snapshot() []domain.SignalingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalingEvent(nil), c.events...)
}

func initiateData(callID string) json.RawMessage {
	data, _ := json.Marshal(domain.IncomingCallData{
		CallID: callID, CallerID: "P1", CalleeID: "D1", AppointmentID: "A1", ChannelName: "A1",
	})
	return data
}

func TestPush_BacklogThenLiveEvents(t *testing.T) {
	store, server := newHubServer(t, nil)

	_, first, err := store.AddEvent(context.Background(), "P1", domain.EventInitiateCall, initiateData("call_1_P1_D1"))
	require.NoError(t, err)

	tr := New(Config{BaseURL: server.URL, BackOff: fastBackOff})
	t.Cleanup(tr.Disconnect)
	got := &collector{}
	tr.Subscribe(got.handle)

	require.NoError(t, tr.Connect(context.Background(), "opaque", "D1"))
	assert.Equal(t, transport.StateConnected, tr.State())
	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, second, err := store.AddEvent(context.Background(), "P1", domain.EventInitiateCall, initiateData("call_2_P1_D1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return tr.Cursor() == second }, 2*time.Second, 10*time.Millisecond)
	events := got.snapshot()
	require.Len(t, events, 2, "replayed and live copies are delivered once")
	assert.Equal(t, first, events[0].Timestamp)
	assert.Equal(t, second, events[1].Timestamp)
}

func TestPush_EmitAcknowledged(t *testing.T) {
	store, server := newHubServer(t, nil)

	tr := New(Config{BaseURL: server.URL, BackOff: fastBackOff})
	t.Cleanup(tr.Disconnect)
	require.NoError(t, tr.Connect(context.Background(), "opaque", "P1"))

	res, err := tr.Emit(context.Background(), domain.EventInitiateCall, domain.IncomingCallData{
		CallID: "call_3_P1_D1", CallerID: "P1", CalleeID: "D1", AppointmentID: "A1", ChannelName: "A1",
	})
	require.NoError(t, err)

	events, err := store.GetEvents(context.Background(), "D1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.EventID, events[0].ID)

	_, err = tr.Emit(context.Background(), "", map[string]string{"reason": "hangup"})
	require.Error(t, err)
	assert.True(t, apperrors.IsClientError(err))
}

func TestPush_EmitBeforeConnect(t *testing.T) {
	tr := New(Config{BaseURL: "http://127.0.0.1:1"})

	_, err := tr.Emit(context.Background(), domain.EventCallEnded, domain.CallEndedData{CallID: "c"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestPush_UnauthorizedIsNotRetried(t *testing.T) {
	_, server := newHubServer(t, jwt.NewJWTManager("push-test-secret", time.Hour))

	tr := New(Config{BaseURL: server.URL, MaxAttempts: 5, BackOff: fastBackOff})
	err := tr.Connect(context.Background(), "forged", "D1")

	require.Error(t, err)
	assert.True(t, apperrors.IsClientError(err))
	assert.Equal(t, transport.StateUnauthorized, tr.State())
}

func TestPush_UnreachableReportsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	tr := New(Config{BaseURL: url, MaxAttempts: 2, BackOff: fastBackOff})
	err := tr.Connect(context.Background(), "opaque", "D1")

	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.Equal(t, transport.StateUnavailable, tr.State())
}

func TestPush_ReconnectResumesFromCursor(t *testing.T) {
	var dials atomic.Int32
	sinces := make(chan string, 4)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sinces <- r.URL.Query().Get("since")

		if dials.Add(1) == 1 {
			// first session: deliver one event then drop the connection
			_ = conn.WriteJSON(domain.Frame{Type: domain.FrameEvent, Event: &domain.SignalingEvent{
				ID: "ev-1", RecipientID: "D1", Type: "ping", Data: json.RawMessage(`{}`), Timestamp: 1700000000000,
			}})
			time.Sleep(50 * time.Millisecond)
			_ = conn.Close()
			return
		}
		// second session stays open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	tr := New(Config{BaseURL: server.URL, MaxAttempts: 3, BackOff: fastBackOff})
	t.Cleanup(tr.Disconnect)
	got := &collector{}
	tr.Subscribe(got.handle)

	require.NoError(t, tr.Connect(context.Background(), "opaque", "D1"))

	assert.Equal(t, "0", <-sinces)
	select {
	case since := <-sinces:
		assert.Equal(t, "1700000000000", since)
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not reconnect")
	}
	assert.Eventually(t, func() bool { return tr.State() == transport.StateConnected }, time.Second, 10*time.Millisecond)
	assert.Len(t, got.snapshot(), 1)
}
