package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/auth"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
	"frameworks/crowsnest/pkg/validation"
)

// Ingestor is the pipeline surface the hub drives for inbound frames
type Ingestor interface {
	Snapshot() models.WindowUpdate
	IngestStream(events []models.Event)
}

// Config holds hub configuration
type Config struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// JWTSecret verifies credentials resolved from the upgrade request
	JWTSecret []byte
	// AllowedOrigins restricts upgrade handshakes; empty allows any origin
	AllowedOrigins []string
	// MaxMessageBytes caps inbound frames (default 32768)
	MaxMessageBytes int64
	// MaxQueueBytes is the per-subscriber outstanding-byte cutoff beyond
	// which broadcasts skip the subscriber (default 1 MiB)
	MaxQueueBytes int64
}

// Hub is the topic registry plus the streaming endpoint. It maps topics
// to subscribed clients and clients back to their topics; subscriptions
// live here, never on the connection itself.
type Hub struct {
	logger          logging.Logger
	metrics         *metrics.Metrics
	jwtSecret       []byte
	maxMessageBytes int64
	maxQueueBytes   int64
	upgrader        websocket.Upgrader
	validator       *validation.EventValidator
	ingestor        Ingestor

	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	subs   map[*Client]map[string]struct{}
	closed bool
}

// NewHub creates a hub. AttachPipeline must be called before the first
// session is accepted.
func NewHub(cfg Config) *Hub {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 32768
	}
	if cfg.MaxQueueBytes <= 0 {
		cfg.MaxQueueBytes = 1 << 20
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &Hub{
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		jwtSecret:       cfg.JWTSecret,
		maxMessageBytes: cfg.MaxMessageBytes,
		maxQueueBytes:   cfg.MaxQueueBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		validator: validation.NewEventValidator(),
		topics:    make(map[string]map[*Client]struct{}),
		subs:      make(map[*Client]map[string]struct{}),
	}
}

// AttachPipeline binds the ingestion pipeline the hub routes inbound
// frames into
func (h *Hub) AttachPipeline(ing Ingestor) {
	h.ingestor = ing
}

// ServeWS upgrades a streaming session. The credential is resolved from
// the upgrade request (Authorization header or token query parameter);
// a null identity gets close 1008 and no frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	token := auth.ResolveBearer(r)
	claims, err := auth.ValidateToken(token, h.jwtSecret)
	if token == "" || err != nil {
		h.logger.WithFields(logging.Fields{
			"remote": conn.RemoteAddr().String(),
		}).Warn("Unauthenticated streaming session rejected")
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"), deadline)
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		subject: claims.Subject,
		logger:  h.logger,
		send:    make(chan []byte, sendQueueSlots),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = conn.Close()
		return
	}
	h.subs[client] = make(map[string]struct{})
	h.mu.Unlock()

	h.logger.WithFields(logging.Fields{
		"subject": client.subject,
		"remote":  conn.RemoteAddr().String(),
	}).Info("Streaming session opened")

	go client.writePump()
	go client.readPump()
}

// Subscribe registers the client on a topic and enqueues the snapshot
// frame under the registry lock, so no delta broadcast can slip in ahead
// of it. Re-subscribing is idempotent (the snapshot is simply resent).
func (h *Hub) Subscribe(c *Client, topic string) {
	snapshot := h.ingestor.Snapshot()
	payload, err := json.Marshal(models.OutboundFrame{Type: models.FrameSnapshot, Data: snapshot})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal snapshot frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.subs[c]
	if !ok {
		// Session already closed
		return
	}
	if _, subscribed := topics[topic]; !subscribed {
		topics[topic] = struct{}{}
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Client]struct{})
		}
		h.topics[topic][c] = struct{}{}
		if h.metrics != nil {
			h.metrics.HubSubscriptions.WithLabelValues(topic).Inc()
		}
	}

	c.trySend(payload)
}

// UnsubscribeAll removes the client from every topic it held and drops
// empty topics. Invoked on session close; afterwards no broadcast or
// subscribe can reach the client.
func (h *Hub) UnsubscribeAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.subs[c]
	if !ok {
		return
	}
	delete(h.subs, c)
	for topic := range topics {
		delete(h.topics[topic], c)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
		if h.metrics != nil {
			h.metrics.HubSubscriptions.WithLabelValues(topic).Dec()
		}
	}
}

// Broadcast enqueues an already-serialized frame to every subscriber of
// the topic whose send queue has room, and returns the delivered count.
// Slow subscribers are skipped for this frame, never waited on.
func (h *Hub) Broadcast(topic string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.topics[topic] {
		if c.trySend(payload) {
			delivered++
			if h.metrics != nil {
				h.metrics.FramesSent.WithLabelValues(topic).Inc()
			}
		} else if h.metrics != nil {
			h.metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		}
	}
	return delivered
}

// SubscriberCount reports how many clients hold a subscription on the topic
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Shutdown refuses new sessions, lets each session drain its queue within
// ctx's budget, then closes every connection with a going-away frame.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.subs))
	for c := range h.subs {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.shutdown(ctx)
		}(c)
	}
	wg.Wait()
}
