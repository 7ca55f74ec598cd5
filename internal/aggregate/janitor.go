package aggregate

import (
	"time"

	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/logging"
)

// Janitor periodically sweeps out-of-horizon buckets from an aggregator
type Janitor struct {
	agg      *Aggregator
	interval time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a janitor; interval defaults to 5s when unset
func NewJanitor(agg *Aggregator, interval time.Duration, logger logging.Logger, m *metrics.Metrics) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Janitor{
		agg:      agg,
		interval: interval,
		logger:   logger,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop
func (j *Janitor) Start() {
	go j.run()
}

// Stop halts the sweep loop and waits for it to exit
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for window, n := range j.agg.Sweep() {
				if j.metrics != nil {
					j.metrics.BucketsEvicted.WithLabelValues(window).Add(float64(n))
				}
				j.logger.WithFields(logging.Fields{
					"window":  window,
					"evicted": n,
				}).Debug("Evicted stale buckets")
			}
		case <-j.stop:
			return
		}
	}
}
