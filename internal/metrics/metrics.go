package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"frameworks/crowsnest/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the Crowsnest service
type Metrics struct {
	// Ingestion pipeline metrics
	EventsIngested  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	IngestBatchSize *prometheus.HistogramVec

	// Hub fan-out metrics
	HubSubscriptions *prometheus.GaugeVec
	FramesSent       *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec

	// Aggregator metrics
	BucketsEvicted *prometheus.CounterVec

	// Persistence metrics
	DBQueries  *prometheus.CounterVec
	DBDuration *prometheus.HistogramVec
}

// New wires the service metric set into the given collector
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		EventsIngested:   mc.NewCounter("events_ingested_total", "Events accepted into the pipeline", []string{"transport"}),
		EventsDropped:    mc.NewCounter("events_dropped_total", "Events rejected before aggregation", []string{"reason"}),
		IngestBatchSize:  mc.NewHistogram("ingest_batch_size", "Validated events per ingest batch", []string{"transport"}, []float64{1, 2, 5, 10, 25, 50, 100, 250}),
		HubSubscriptions: mc.NewGauge("hub_subscriptions_active", "Active topic subscriptions", []string{"topic"}),
		FramesSent:       mc.NewCounter("hub_frames_sent_total", "Frames enqueued for delivery", []string{"topic"}),
		FramesDropped:    mc.NewCounter("hub_frames_dropped_total", "Frames skipped instead of enqueued", []string{"reason"}),
		BucketsEvicted:   mc.NewCounter("buckets_evicted_total", "Buckets dropped by the janitor", []string{"window"}),
	}
	m.DBQueries, m.DBDuration = mc.CreateDatabaseMetrics()
	return m
}
