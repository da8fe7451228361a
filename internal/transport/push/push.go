package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
)

const wsPath = "/v1/signaling/ws"

// Config configures a push transport
type Config struct {
	// BaseURL is the signaling server root; http(s) is rewritten to ws(s)
	BaseURL string
	// MaxAttempts bounds each dial/redial sequence
	MaxAttempts uint
	// AckTimeout bounds how long Emit waits for the server acknowledgement
	AckTimeout time.Duration
	// Dialer defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer
	// BackOff overrides the redial schedule
	BackOff func() backoff.BackOff
}

// Transport keeps a WebSocket open to the signaling hub. The hub replays the
// backlog after the cursor on every (re)connect and then streams new events.
type Transport struct {
	*transport.Dispatcher

	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	userID  string
	since   int64
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan domain.SignalingEvent
	pending map[string]chan domain.Frame

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a disconnected push transport
func New(cfg Config) *Transport {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Transport{
		Dispatcher: transport.NewDispatcher(),
		cfg:        cfg,
		log:        logger.Named("push"),
		pending:    make(map[string]chan domain.Frame),
	}
}

// Connect dials the hub, retrying with backoff, and starts the read loop
func (t *Transport) Connect(ctx context.Context, token, userID string) error {
	if token == "" {
		return apperrors.UnauthorizedError("Missing bearer token")
	}
	if userID == "" {
		return apperrors.MissingFieldError("userId")
	}

	t.Disconnect()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inbox := make(chan domain.SignalingEvent, 256)
	t.mu.Lock()
	t.token, t.userID, t.since = token, userID, 0
	t.ctx, t.cancel, t.inbox = runCtx, cancel, inbox
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		cancel()
		t.mu.Lock()
		t.token, t.userID, t.cancel, t.ctx = "", "", nil, nil
		t.mu.Unlock()
		t.setFailureState(err)
		return err
	}

	// handlers may Emit, which waits on the read loop for its ack
	go t.dispatchLoop(runCtx, inbox)

	if !t.attach(runCtx, conn) {
		_ = conn.Close()
		return transport.ErrNotConnected
	}
	return nil
}

// Disconnect closes the socket and stops reconnecting
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel, conn := t.cancel, t.conn
	t.cancel, t.conn, t.ctx = nil, nil, nil
	t.token, t.userID = "", ""
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.failPending()
	t.wg.Wait()
	t.SetState(transport.StateDisconnected)
}

// Cursor returns the timestamp of the newest event received
func (t *Transport) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since
}

// Emit sends an event frame and waits for the hub's acknowledgement
func (t *Transport) Emit(ctx context.Context, eventType domain.EventType, data any) (*transport.EmitResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	requestID := uuid.NewString()
	ack := make(chan domain.Frame, 1)

	t.mu.Lock()
	conn, userID := t.conn, t.userID
	if conn == nil {
		t.mu.Unlock()
		if userID == "" {
			return nil, transport.ErrNotConnected
		}
		return nil, fmt.Errorf("%w: push channel reconnecting", transport.ErrUnavailable)
	}
	t.pending[requestID] = ack
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
	}()

	frame := domain.Frame{Type: domain.FrameEmit, RequestID: requestID, EventType: eventType, Data: raw}
	if err := t.write(conn, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ack:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost before ack", transport.ErrUnavailable)
		}
		if reply.Type == domain.FrameError {
			return nil, apperrors.FromStatus(reply.Status, reply.Code, reply.Message)
		}
		return &transport.EmitResult{EventID: reply.EventID, Timestamp: reply.Timestamp}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: ack timeout", transport.ErrUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) write(conn *websocket.Conn, frame domain.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func (t *Transport) endpoint() (string, http.Header) {
	t.mu.Lock()
	token, userID, since := t.token, t.userID, t.since
	t.mu.Unlock()

	base := t.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("userId", userID)
	q.Set("since", strconv.FormatInt(since, 10))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return base + wsPath + "?" + q.Encode(), header
}

// dial connects with exponential backoff. 4xx handshake failures are permanent.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	operation := func() (*websocket.Conn, error) {
		target, header := t.endpoint()
		conn, resp, err := t.cfg.Dialer.DialContext(ctx, target, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(apperrors.FromStatus(resp.StatusCode, "", ""))
		}
		t.log.Debug("Push dial failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(t.cfg.BackOff()),
		backoff.WithMaxTries(t.cfg.MaxAttempts),
	)
}

// attach starts reading conn unless ctx's session has been disconnected
func (t *Transport) attach(ctx context.Context, conn *websocket.Conn) bool {
	t.mu.Lock()
	if t.ctx != ctx || ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	t.wg.Add(1)
	t.mu.Unlock()

	t.SetState(transport.StateConnected)
	go t.readLoop(conn)
	return true
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		var frame domain.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.connectionLost(conn, err)
			return
		}

		switch frame.Type {
		case domain.FrameEvent:
			if frame.Event == nil {
				continue
			}
			t.mu.Lock()
			stale := frame.Event.Timestamp <= t.since
			if !stale {
				t.since = frame.Event.Timestamp
			}
			ctx, inbox := t.ctx, t.inbox
			t.mu.Unlock()
			if stale || ctx == nil {
				continue
			}
			select {
			case inbox <- *frame.Event:
			case <-ctx.Done():
			}
		case domain.FrameAck, domain.FrameError:
			// under mu so failPending cannot close ch mid-send
			t.mu.Lock()
			if ch := t.pending[frame.RequestID]; ch != nil {
				select {
				case ch <- frame:
				default:
				}
			}
			t.mu.Unlock()
		default:
			t.log.Debug("Ignoring unknown frame", zap.String("type", string(frame.Type)))
		}
	}
}

func (t *Transport) dispatchLoop(ctx context.Context, inbox <-chan domain.SignalingEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-inbox:
			t.Dispatch(ev)
		}
	}
}

// connectionLost redials unless the transport was disconnected
func (t *Transport) connectionLost(conn *websocket.Conn, readErr error) {
	t.mu.Lock()
	ctx := t.ctx
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	t.mu.Unlock()

	_ = conn.Close()
	if !current || ctx == nil || ctx.Err() != nil {
		return
	}

	t.failPending()
	t.log.Warn("Push channel lost, reconnecting", zap.Error(readErr))

	next, err := t.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Error("Push channel reconnect failed", zap.Error(err))
			t.setFailureState(err)
		}
		return
	}

	if !t.attach(ctx, next) {
		_ = next.Close()
	}
}

// failPending releases Emit calls waiting on a connection that is gone
func (t *Transport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) setFailureState(err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.StatusCode == http.StatusUnauthorized {
		t.SetState(transport.StateUnauthorized)
		return
	}
	t.SetState(transport.StateUnavailable)
}
