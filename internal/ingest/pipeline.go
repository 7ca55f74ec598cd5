package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"frameworks/crowsnest/internal/aggregate"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
)

// Broadcaster fans a serialized frame out to every subscriber of a topic
// and reports how many accepted it.
type Broadcaster interface {
	Broadcast(topic string, payload []byte) int
}

// Sink persists raw events and aggregate checkpoints. Sink failures are
// logged and swallowed here; they never reach the caller.
type Sink interface {
	InsertEvents(ctx context.Context, events []models.Event) error
	UpsertAggregates(ctx context.Context, at time.Time, count, errCount int64) error
}

// Config holds pipeline wiring
type Config struct {
	Aggregator  *aggregate.Aggregator
	Sink        Sink
	Broadcaster Broadcaster
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	// PersistTimeout bounds each detached persistence call (default 10s)
	PersistTimeout time.Duration
	// Now overrides the receipt clock, for tests
	Now func() time.Time
}

// Pipeline is the ingestion path shared by both transports: fold a
// validated batch into the aggregator, broadcast the delta, then persist
// on a detached goroutine. A pipeline-level mutex spans the aggregate
// update and the broadcast enqueue so delta order on a topic matches the
// order in which batches reached the aggregator.
type Pipeline struct {
	agg            *aggregate.Aggregator
	sink           Sink
	broadcaster    Broadcaster
	logger         logging.Logger
	metrics        *metrics.Metrics
	persistTimeout time.Duration
	now            func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a pipeline from the given wiring
func New(cfg Config) *Pipeline {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		agg:            cfg.Aggregator,
		sink:           cfg.Sink,
		broadcaster:    cfg.Broadcaster,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		persistTimeout: cfg.PersistTimeout,
		now:            cfg.Now,
	}
}

// Ingest runs a validated, non-empty batch through the pipeline and
// returns the post-batch state of every window's active bucket. The
// transport label only feeds metrics.
func (p *Pipeline) Ingest(events []models.Event, transport string) models.WindowUpdate {
	if len(events) == 0 {
		return nil
	}
	at := p.now()

	var errCount int64
	for i := range events {
		if events[i].IsError() {
			errCount++
		}
	}

	p.mu.Lock()
	update := p.agg.IngestAt(events, at)
	payload, err := json.Marshal(models.OutboundFrame{Type: models.FrameDelta, Data: update})
	if err == nil {
		p.broadcaster.Broadcast(models.TopicDashboard, payload)
	} else {
		p.logger.WithError(err).Error("Failed to marshal delta frame")
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(transport).Add(float64(len(events)))
		p.metrics.IngestBatchSize.WithLabelValues(transport).Observe(float64(len(events)))
	}

	p.wg.Add(1)
	go p.persist(events, at, errCount)

	return update
}

// IngestStream is the streaming-transport entry point
func (p *Pipeline) IngestStream(events []models.Event) {
	p.Ingest(events, "ws")
}

// Snapshot reports current window state without ingesting
func (p *Pipeline) Snapshot() models.WindowUpdate {
	return p.agg.SnapshotAt(p.now())
}

// persist records the raw batch and bumps the aggregate checkpoints.
// Failures here are persistence-transient by contract: log, count, move on.
func (p *Pipeline) persist(events []models.Event, at time.Time, errCount int64) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.persistTimeout)
	defer cancel()

	if err := p.sink.InsertEvents(ctx, events); err != nil {
		p.logger.WithError(err).WithField("category", "insert").Warn("Raw event persistence failed")
	}
	if err := p.sink.UpsertAggregates(ctx, at, int64(len(events)), errCount); err != nil {
		p.logger.WithError(err).WithField("category", "upsert").Warn("Aggregate checkpoint failed")
	}
}

// Close waits for in-flight persistence to drain, bounded by ctx
func (p *Pipeline) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
