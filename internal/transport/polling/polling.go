package polling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/resilience"
)

const signalingPath = "/api/signaling"

// Config configures a polling transport
type Config struct {
	// BaseURL is the signaling server root, e.g. http://localhost:8080
	BaseURL string
	// Interval between polls
	Interval time.Duration
	// MaxFailures consecutive failed polls mark the transport unavailable
	MaxFailures uint32
	// Cooldown before a failed transport tries the server again
	Cooldown time.Duration
	// HTTPClient defaults to a client with a 10s timeout
	HTTPClient *http.Client
	// Clock drives the poll ticker
	Clock clock.Clock
}

// Transport polls the event store over HTTP
type Transport struct {
	*transport.Dispatcher

	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
	log     *zap.Logger

	mu     sync.Mutex
	token  string
	userID string
	since  int64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a disconnected polling transport
func New(cfg Config) *Transport {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Transport{
		Dispatcher: transport.NewDispatcher(),
		cfg:        cfg,
		client:     client,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:                   "signaling-poll",
			MaxConsecutiveFailures: cfg.MaxFailures,
			Cooldown:               cfg.Cooldown,
			IsSuccessful: func(err error) bool {
				return err == nil || !transport.IsTransient(err)
			},
		}),
		log: logger.Named("polling"),
	}
}

// Connect records the identity and starts polling. A live loop is replaced.
func (t *Transport) Connect(ctx context.Context, token, userID string) error {
	if token == "" {
		return apperrors.UnauthorizedError("Missing bearer token")
	}
	if userID == "" {
		return apperrors.MissingFieldError("userId")
	}

	t.Disconnect()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	t.token = token
	t.userID = userID
	t.since = 0
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	ticker := t.cfg.Clock.Ticker(t.cfg.Interval)
	go t.loop(loopCtx, ticker, done)

	t.log.Info("Polling started",
		zap.String("user_id", userID),
		zap.Duration("interval", t.cfg.Interval))
	return nil
}

// Disconnect stops polling and clears the identity
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.token, t.userID = "", ""
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.SetState(transport.StateDisconnected)
}

// Cursor returns the timestamp of the newest event received
func (t *Transport) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since
}

func (t *Transport) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	if t.tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.tick(ctx) {
				return
			}
		}
	}
}

// tick runs one poll and reports whether the loop must stop
func (t *Transport) tick(ctx context.Context) bool {
	err := t.breaker.Execute(func() error { return t.poll(ctx) })

	switch {
	case err == nil:
		t.SetState(transport.StateConnected)
	case ctx.Err() != nil:
		return true
	case errors.Is(err, resilience.ErrCircuitOpen):
		t.SetState(transport.StateUnavailable)
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.StatusCode == http.StatusUnauthorized {
			t.log.Warn("Polling stopped: bearer token rejected")
			t.SetState(transport.StateUnauthorized)
			return true
		}
		t.log.Debug("Poll failed, retrying next tick", zap.Error(err))
		if t.breaker.State() == resilience.CircuitBreakerOpen {
			t.SetState(transport.StateUnavailable)
		}
	}
	return false
}

func (t *Transport) poll(ctx context.Context) error {
	t.mu.Lock()
	token, userID, since := t.token, t.userID, t.since
	t.mu.Unlock()

	q := url.Values{}
	q.Set("userId", userID)
	q.Set("since", strconv.FormatInt(since, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+signalingPath+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var events []domain.SignalingEvent
	if err := t.do(req, &events); err != nil {
		return err
	}

	for _, ev := range events {
		if ev.Timestamp <= since {
			continue
		}
		since = ev.Timestamp
		t.Dispatch(ev)
	}

	t.mu.Lock()
	if t.userID == userID && since > t.since {
		t.since = since
	}
	t.mu.Unlock()
	return nil
}

type emitRequest struct {
	UserID    string           `json:"userId"`
	EventType domain.EventType `json:"eventType"`
	Data      any              `json:"data"`
}

type emitResponse struct {
	Success bool `json:"success"`
	transport.EmitResult
}

// Emit posts an event to the store on behalf of the connected user
func (t *Transport) Emit(ctx context.Context, eventType domain.EventType, data any) (*transport.EmitResult, error) {
	t.mu.Lock()
	token, userID := t.token, t.userID
	t.mu.Unlock()
	if userID == "" {
		return nil, transport.ErrNotConnected
	}

	body, err := json.Marshal(emitRequest{UserID: userID, EventType: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+signalingPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build emit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var resp emitResponse
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp.EmitResult, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends req and decodes a 2xx body into out. Network failures wrap
// transport.ErrUnavailable; HTTP errors become AppErrors.
func (t *Transport) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", transport.ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(body, &env)
		appErr := apperrors.FromStatus(resp.StatusCode, env.Error.Code, env.Error.Message)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			appErr.Err = transport.ErrUnavailable
		}
		return appErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", transport.ErrUnavailable, err)
	}
	return nil
}
