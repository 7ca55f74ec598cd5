package websocket

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Send-queue slot count; the byte budget is the real backpressure gate
	sendQueueSlots = 256
)

// Client is one authenticated streaming session. Its topic memberships
// live in the hub's side tables, not here.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string
	logger  logging.Logger

	send   chan []byte
	queued atomic.Int64
	done   chan struct{}
}

// trySend enqueues a frame unless the client's outstanding-byte budget or
// queue slots are exhausted. Never blocks.
func (c *Client) trySend(payload []byte) bool {
	size := int64(len(payload))
	if c.queued.Load()+size > c.hub.maxQueueBytes {
		return false
	}
	select {
	case c.send <- payload:
		c.queued.Add(size)
		return true
	default:
		return false
	}
}

// readPump routes inbound frames until the connection drops. Non-text,
// oversized, unparseable and unknown frames are ignored silently.
func (c *Client) readPump() {
	defer func() {
		c.hub.UnsubscribeAll(c)
		close(c.done)
		c.conn.Close()
		c.logger.WithFields(logging.Fields{
			"subject": c.subject,
		}).Info("Streaming session closed")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, reader, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("Streaming session read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Bound the read itself, not just the processing: at most one byte
		// past the cap is buffered, and the next NextReader call drains any
		// remainder off the wire without holding it in memory.
		message, err := io.ReadAll(io.LimitReader(reader, c.hub.maxMessageBytes+1))
		if err != nil {
			return
		}
		if int64(len(message)) > c.hub.maxMessageBytes {
			continue
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case models.FrameSubscribe:
			if frame.Topic == "" {
				continue
			}
			c.hub.Subscribe(c, frame.Topic)
		case models.FrameEvents:
			c.handleEvents(frame.Events)
		}
	}
}

// handleEvents validates an inbound batch and hands the survivors to the
// ingestion pipeline. Empty results are dropped without a response.
func (c *Client) handleEvents(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	records, err := c.hub.validator.DecodeBatch(raw)
	if err != nil {
		return
	}
	events := c.hub.validator.Filter(records)
	if dropped := len(records) - len(events); dropped > 0 && c.hub.metrics != nil {
		c.hub.metrics.EventsDropped.WithLabelValues("invalid").Add(float64(dropped))
	}
	if len(events) == 0 {
		return
	}
	c.hub.ingestor.IngestStream(events)
}

// writePump drains the send queue to the peer, one frame per write so
// every delivery stays an individually parseable JSON document, and keeps
// the protocol-level ping/pong alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.queued.Add(-int64(len(message)))
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown waits for the send queue to drain (bounded by ctx), then closes
// the connection with a going-away frame.
func (c *Client) shutdown(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for c.queued.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break drain
		case <-c.done:
			break drain
		}
	}

	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
	_ = c.conn.Close()
}
