package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/crowsnest/internal/ingest"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/internal/websocket"
	"frameworks/crowsnest/pkg/auth"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/middleware"
	"frameworks/crowsnest/pkg/validation"
)

// defaultTokenSubject is issued when /token is called without a userId
const defaultTokenSubject = "demo"

// tokenTTL is the expiry of dev-convenience credentials
const tokenTTL = 12 * time.Hour

// Handlers carries the HTTP surface of the service
type Handlers struct {
	logger    logging.Logger
	metrics   *metrics.Metrics
	validator *validation.EventValidator
	pipeline  *ingest.Pipeline
	hub       *websocket.Hub
	jwtSecret []byte
}

// New creates the handler set
func New(pipeline *ingest.Pipeline, hub *websocket.Hub, jwtSecret []byte, logger logging.Logger, m *metrics.Metrics) *Handlers {
	return &Handlers{
		logger:    logger,
		metrics:   m,
		validator: validation.NewEventValidator(),
		pipeline:  pipeline,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

// Ingest handles POST /ingest. The body is a single event object or an
// array; invalid records are filtered per record, and only a batch with
// nothing left in it is a client error.
func (h *Handlers) Ingest(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty payload"})
		return
	}

	records, err := h.validator.DecodeBatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty payload"})
		return
	}

	events := h.validator.Filter(records)
	if dropped := len(records) - len(events); dropped > 0 && h.metrics != nil {
		h.metrics.EventsDropped.WithLabelValues("invalid").Add(float64(dropped))
	}
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no valid events"})
		return
	}

	h.pipeline.Ingest(events, "http")

	middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
		"accepted": len(events),
		"dropped":  len(records) - len(events),
	}).Debug("Batch ingested")

	c.JSON(http.StatusOK, gin.H{"accepted": len(events)})
}

// Token handles GET /token: mints a 12-hour credential for the requested
// subject. Dev convenience only; production issues tokens elsewhere.
func (h *Handlers) Token(c *gin.Context) {
	subject := c.Query("userId")
	if subject == "" {
		subject = defaultTokenSubject
	}

	token, err := auth.GenerateToken(subject, tokenTTL, h.jwtSecret)
	if err != nil {
		h.logger.WithError(err).Error("Failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// WebSocket hands GET /ws off to the hub's upgrade path
func (h *Handlers) WebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
