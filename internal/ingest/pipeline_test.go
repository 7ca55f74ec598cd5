package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"frameworks/crowsnest/internal/aggregate"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
	"frameworks/crowsnest/pkg/monitoring"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	topics []string
	frames [][]byte
}

func (f *fakeBroadcaster) Broadcast(topic string, payload []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.frames = append(f.frames, payload)
	return 1
}

type upsertCall struct {
	at       time.Time
	count    int64
	errCount int64
}

type fakeSink struct {
	mu        sync.Mutex
	batches   [][]models.Event
	upserts   []upsertCall
	insertErr error
	upsertErr error
}

func (f *fakeSink) InsertEvents(_ context.Context, events []models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events)
	return f.insertErr
}

func (f *fakeSink) UpsertAggregates(_ context.Context, at time.Time, count, errCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{at: at, count: count, errCount: errCount})
	return f.upsertErr
}

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func testMetrics() *metrics.Metrics {
	return metrics.New(monitoring.NewMetricsCollector("test", "dev", "none"))
}

func testPipeline(sink Sink, b Broadcaster) *Pipeline {
	return New(Config{
		Aggregator:  aggregate.New(),
		Sink:        sink,
		Broadcaster: b,
		Logger:      testLogger(),
		Metrics:     testMetrics(),
		Now:         func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
}

func event(id, user, route, action string) models.Event {
	return models.Event{
		EventID:   id,
		Timestamp: 1000,
		UserID:    user,
		SessionID: "s1",
		Route:     route,
		Action:    action,
		Metadata:  map[string]interface{}{},
	}
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("pipeline drain: %v", err)
	}
}

func TestIngestBroadcastsDelta(t *testing.T) {
	sink := &fakeSink{}
	b := &fakeBroadcaster{}
	p := testPipeline(sink, b)

	update := p.Ingest([]models.Event{event("A", "u1", "/", "view")}, "http")
	drain(t, p)

	if update["1s"].Count != 1 || update["1s"].Uniques != 1 || update["1s"].Errors != 0 {
		t.Fatalf("unexpected update: %+v", update["1s"])
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(b.frames))
	}
	if b.topics[0] != models.TopicDashboard {
		t.Fatalf("broadcast topic = %q", b.topics[0])
	}

	var frame models.OutboundFrame
	if err := json.Unmarshal(b.frames[0], &frame); err != nil {
		t.Fatalf("unmarshal delta: %v", err)
	}
	if frame.Type != models.FrameDelta {
		t.Fatalf("frame type = %q, want %q", frame.Type, models.FrameDelta)
	}
	for _, label := range []string{"1s", "5s", "60s"} {
		stats, ok := frame.Data[label]
		if !ok || stats.Count != 1 {
			t.Fatalf("window %s missing or wrong in delta: %+v", label, frame.Data)
		}
		if len(stats.Routes) != 1 || stats.Routes[0].Route != "/" || stats.Routes[0].Count != 1 {
			t.Fatalf("window %s routes = %+v", label, stats.Routes)
		}
	}
}

func TestIngestPersistsBatchAndCheckpoint(t *testing.T) {
	sink := &fakeSink{}
	p := testPipeline(sink, &fakeBroadcaster{})

	p.Ingest([]models.Event{
		event("A", "u1", "/", "view"),
		event("B", "u1", "/", "click"),
		event("C", "u1", "/", "error"),
	}, "http")
	drain(t, p)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 || len(sink.batches[0]) != 3 {
		t.Fatalf("unexpected persisted batches: %+v", sink.batches)
	}
	if len(sink.upserts) != 1 {
		t.Fatalf("upsert count = %d, want 1", len(sink.upserts))
	}
	up := sink.upserts[0]
	if up.count != 3 || up.errCount != 1 {
		t.Fatalf("upsert = %+v, want count 3 errors 1", up)
	}
	if up.at.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("upsert instant = %d, want receipt clock", up.at.UnixMilli())
	}
}

func TestPersistenceFailureSwallowed(t *testing.T) {
	sink := &fakeSink{
		insertErr: errors.New("mongo down"),
		upsertErr: errors.New("mongo down"),
	}
	b := &fakeBroadcaster{}
	p := testPipeline(sink, b)

	update := p.Ingest([]models.Event{event("A", "u1", "/", "view")}, "ws")
	drain(t, p)

	if update["1s"].Count != 1 {
		t.Fatalf("ingestion result must not depend on persistence: %+v", update["1s"])
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 1 {
		t.Fatalf("broadcast must not depend on persistence, frames = %d", len(b.frames))
	}
}

func TestResubmittedBatchDoubleCountsInMemory(t *testing.T) {
	sink := &fakeSink{}
	p := testPipeline(sink, &fakeBroadcaster{})

	batch := []models.Event{event("A", "u1", "/", "view")}
	p.Ingest(batch, "http")
	update := p.Ingest(batch, "http")
	drain(t, p)

	// In-memory aggregates double-count; idempotency lives in the store's
	// unique index, which sees both submissions.
	if update["1s"].Count != 2 {
		t.Fatalf("count = %d, want 2", update["1s"].Count)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 2 {
		t.Fatalf("persisted batches = %d, want 2", len(sink.batches))
	}
}

func TestIngestEmptyBatchIsNoop(t *testing.T) {
	b := &fakeBroadcaster{}
	p := testPipeline(&fakeSink{}, b)

	if update := p.Ingest(nil, "http"); update != nil {
		t.Fatalf("empty batch update = %+v, want nil", update)
	}
	drain(t, p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 0 {
		t.Fatalf("empty batch must not broadcast")
	}
}

func TestPipelineWithoutMetricsDoesNotPanic(t *testing.T) {
	b := &fakeBroadcaster{}
	p := New(Config{
		Aggregator:  aggregate.New(),
		Sink:        &fakeSink{},
		Broadcaster: b,
		Logger:      testLogger(),
	})

	update := p.Ingest([]models.Event{event("A", "u1", "/", "view")}, "http")
	drain(t, p)

	if update["1s"].Count != 1 {
		t.Fatalf("unexpected update: %+v", update["1s"])
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(b.frames))
	}
}

func TestSnapshotDelegates(t *testing.T) {
	p := testPipeline(&fakeSink{}, &fakeBroadcaster{})
	p.Ingest([]models.Event{event("A", "u1", "/a", "view")}, "http")
	drain(t, p)

	snap := p.Snapshot()
	if snap["60s"].Count != 1 {
		t.Fatalf("snapshot 60s count = %d, want 1", snap["60s"].Count)
	}
}
