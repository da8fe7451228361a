package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/service/eventstore"
	"telecare-signaling/pkg/constants"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/metrics"
	"telecare-signaling/pkg/response"
)

// HubConfig configures a SignalingHub
type HubConfig struct {
	// MaxConnections caps concurrent sockets; 0 selects the default
	MaxConnections int
	// AllowedOrigins are the browser origins permitted to connect
	AllowedOrigins []string
	PingInterval   time.Duration
	Metrics        *metrics.Metrics
}

// SignalingHub streams each user's signaling events over WebSocket
type SignalingHub struct {
	store   *eventstore.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	// Registered clients per user
	clients map[string]map[*SignalingClient]bool
	mu      sync.RWMutex

	register    chan *SignalingClient
	unregister  chan *SignalingClient
	deliver     chan domain.SignalingEvent
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()

	maxConnections int
	semaphore      chan struct{}
	pingInterval   time.Duration
	upgrader       websocket.Upgrader
}

// SignalingClient is one connected socket
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan domain.Frame
	userID string
	since  int64

	// closed instead of send so writers never race a close
	done     chan struct{}
	doneOnce sync.Once
}

// NewSignalingHub creates a hub fed by store and starts its run loop
func NewSignalingHub(store *eventstore.Store, cfg HubConfig) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.MaxSignalingConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	hub := &SignalingHub{
		store:          store,
		metrics:        cfg.Metrics,
		log:            logger.Named("signaling-hub"),
		clients:        make(map[string]map[*SignalingClient]bool),
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient),
		deliver:        make(chan domain.SignalingEvent, 256),
		done:           make(chan struct{}),
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		pingInterval:   cfg.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// non-browser clients send no Origin
				return origin == "" || allowed[origin]
			},
		},
	}

	hub.unsubscribe = store.Subscribe(func(ev domain.SignalingEvent) {
		select {
		case hub.deliver <- ev:
		case <-hub.done:
		}
	})

	go hub.run()

	return hub
}

// Close stops the run loop and disconnects every client
func (h *SignalingHub) Close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		close(h.done)
	})
}

// Connections returns the number of registered sockets
func (h *SignalingHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// run owns client registration. Backlog replay happens here so that no event
// appended after the replay read can be routed before the client is registered.
func (h *SignalingHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					client.close()
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*SignalingClient]bool)
			}
			h.clients[client.userID][client] = true
			h.mu.Unlock()

			h.replay(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.userID]; ok {
				if _, exists := set[client]; exists {
					delete(set, client)
					client.close()
					if len(set) == 0 {
						delete(h.clients, client.userID)
					}
				}
			}
			h.mu.Unlock()

		case ev := <-h.deliver:
			h.mu.Lock()
			for client := range h.clients[ev.RecipientID] {
				if !client.offer(domain.Frame{Type: domain.FrameEvent, Event: &ev}) {
					h.log.Warn("Dropping slow signaling client", zap.String("user_id", client.userID))
					client.close()
					delete(h.clients[ev.RecipientID], client)
				}
			}
			if len(h.clients[ev.RecipientID]) == 0 {
				delete(h.clients, ev.RecipientID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *SignalingHub) replay(client *SignalingClient) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteTimeout)
	defer cancel()

	events, err := h.store.GetEvents(ctx, client.userID, client.since)
	if err != nil {
		h.log.Error("Failed to replay signaling backlog",
			zap.String("user_id", client.userID),
			zap.Int64("since", client.since),
			zap.Error(err))
		client.offer(errorFrame("", err))
		return
	}

	for i := range events {
		if !client.offer(domain.Frame{Type: domain.FrameEvent, Event: &events[i]}) {
			h.log.Warn("Backlog exceeds client buffer", zap.String("user_id", client.userID))
			return
		}
	}
}

// ServeWS upgrades GET /v1/signaling/ws?userId=&since= to a signaling stream
func (h *SignalingHub) ServeWS(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.AppError(c, apperrors.MissingFieldError("userId"))
		return
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			response.ValidationError(c, "since must be a non-negative integer")
			return
		}
		since = v
	}
	if owner, exists := c.Get("user_id"); exists {
		if s, _ := owner.(string); s != userID {
			response.Forbidden(c, "Token does not belong to this user")
			return
		}
	}

	// released when readPump exits
	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketRejected()
		response.Error(c, http.StatusServiceUnavailable, string(apperrors.ErrCodeServiceUnavail),
			"Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan domain.Frame, 256),
		userID: userID,
		since:  since,
		done:   make(chan struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		_ = conn.Close()
		return
	}
	h.metrics.IncrementWebSocketConnections()

	go client.writePump()
	go client.readPump()
}

// offer queues frame without blocking; false means the buffer is full or the client is gone
func (c *SignalingClient) offer(frame domain.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *SignalingClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump turns emit frames into store appends and answers each with an ack or error
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.close()
		_ = c.conn.Close()
		<-c.hub.semaphore
		c.hub.metrics.DecrementWebSocketConnections()
	}()

	readWait := c.hub.pingInterval + constants.WebSocketWriteTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var frame domain.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		c.hub.metrics.RecordWebSocketMessage(string(frame.Type), "inbound")

		if frame.Type != domain.FrameEmit {
			c.reply(errorFrame(frame.RequestID, apperrors.ValidationError("unsupported frame type")))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		id, ts, err := c.hub.store.AddEvent(ctx, c.userID, frame.EventType, frame.Data)
		cancel()
		if err != nil {
			if !apperrors.IsClientError(err) {
				c.hub.log.Error("Failed to add signaling event",
					zap.String("user_id", c.userID),
					zap.String("event_type", string(frame.EventType)),
					zap.Error(err))
			}
			c.reply(errorFrame(frame.RequestID, err))
			continue
		}
		c.reply(domain.Frame{Type: domain.FrameAck, RequestID: frame.RequestID, EventID: id, Timestamp: ts})
	}
}

// reply waits for buffer space; acks must not be dropped
func (c *SignalingClient) reply(frame domain.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// writePump serializes frames and pings onto the socket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
			c.hub.metrics.RecordWebSocketMessage(string(frame.Type), "outbound")

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func errorFrame(requestID string, err error) domain.Frame {
	appErr := apperrors.GetAppError(err)
	return domain.Frame{
		Type:      domain.FrameError,
		RequestID: requestID,
		Status:    appErr.StatusCode,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
	}
}
