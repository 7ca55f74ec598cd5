package aggregate

import (
	"sort"
	"sync"
	"time"

	"frameworks/crowsnest/pkg/models"
)

// retainedBuckets is how many bucket spans each window keeps; anything
// older is fair game for the janitor.
const retainedBuckets = 5

// maxRoutes caps the serialized top-routes list
const maxRoutes = 10

// routeTally tracks a route's hit count plus its first-seen order, so
// top-routes ties resolve by arrival rather than map iteration order.
type routeTally struct {
	count int64
	seq   int
}

// bucket is one (window, bucketStart) aggregation cell
type bucket struct {
	count   int64
	uniques map[string]struct{}
	routes  map[string]*routeTally
	errors  int64
	nextSeq int
}

func newBucket() *bucket {
	return &bucket{
		uniques: make(map[string]struct{}),
		routes:  make(map[string]*routeTally),
	}
}

func (b *bucket) observe(e *models.Event) {
	b.count++
	if e.UserID != "" {
		b.uniques[e.UserID] = struct{}{}
	}
	tally := b.routes[e.Route]
	if tally == nil {
		tally = &routeTally{seq: b.nextSeq}
		b.nextSeq++
		b.routes[e.Route] = tally
	}
	tally.count++
	if e.IsError() {
		b.errors++
	}
}

// stats serializes the bucket: routes become the top-N list sorted by
// count descending, ties by first-seen.
func (b *bucket) stats() models.WindowStats {
	type entry struct {
		route string
		count int64
		seq   int
	}
	entries := make([]entry, 0, len(b.routes))
	for route, tally := range b.routes {
		entries = append(entries, entry{route: route, count: tally.count, seq: tally.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].seq < entries[j].seq
	})
	if len(entries) > maxRoutes {
		entries = entries[:maxRoutes]
	}

	routes := make([]models.RouteCount, len(entries))
	for i, e := range entries {
		routes[i] = models.RouteCount{Route: e.route, Count: e.count}
	}
	return models.WindowStats{
		Count:   b.count,
		Uniques: len(b.uniques),
		Routes:  routes,
		Errors:  b.errors,
	}
}

// Aggregator maintains rolling-window buckets for the fixed window set.
// One mutex guards every bucket map; ingestion, snapshots and janitor
// sweeps all serialize through it, so eviction can never race an
// active-bucket update.
type Aggregator struct {
	mu      sync.Mutex
	windows map[int]map[int64]*bucket
}

// New creates an aggregator with an empty bucket map per window
func New() *Aggregator {
	windows := make(map[int]map[int64]*bucket, len(models.WindowSeconds))
	for _, w := range models.WindowSeconds {
		windows[w] = make(map[int64]*bucket)
	}
	return &Aggregator{windows: windows}
}

// BucketStart returns the start (epoch ms) of the bucket containing t
// for the given window size.
func BucketStart(t time.Time, windowSec int) int64 {
	span := int64(windowSec) * 1000
	ms := t.UnixMilli()
	return ms - ms%span
}

// Ingest folds a validated batch into every window at the current wall
// clock and returns the post-batch state of each window's active bucket.
func (a *Aggregator) Ingest(events []models.Event) models.WindowUpdate {
	return a.IngestAt(events, time.Now())
}

// IngestAt is Ingest with an explicit receipt instant. The same instant
// must be used for any parallel aggregate checkpoint so both land in the
// same buckets.
func (a *Aggregator) IngestAt(events []models.Event, at time.Time) models.WindowUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	update := make(models.WindowUpdate, len(a.windows))
	for w, buckets := range a.windows {
		start := BucketStart(at, w)
		b := buckets[start]
		if b == nil {
			b = newBucket()
			buckets[start] = b
		}
		for i := range events {
			b.observe(&events[i])
		}
		update[models.WindowLabel(w)] = b.stats()
	}
	return update
}

// Snapshot reports the current state of each window's active bucket
// without mutating anything. Windows with no active bucket report zeros.
func (a *Aggregator) Snapshot() models.WindowUpdate {
	return a.SnapshotAt(time.Now())
}

// SnapshotAt is Snapshot against an explicit instant
func (a *Aggregator) SnapshotAt(at time.Time) models.WindowUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	update := make(models.WindowUpdate, len(a.windows))
	for w, buckets := range a.windows {
		b := buckets[BucketStart(at, w)]
		if b == nil {
			update[models.WindowLabel(w)] = models.WindowStats{Routes: []models.RouteCount{}}
			continue
		}
		update[models.WindowLabel(w)] = b.stats()
	}
	return update
}

// Sweep evicts buckets older than the retention horizon and reports how
// many were dropped per window label.
func (a *Aggregator) Sweep() map[string]int {
	return a.SweepAt(time.Now())
}

// SweepAt is Sweep against an explicit instant
func (a *Aggregator) SweepAt(at time.Time) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowMs := at.UnixMilli()
	evicted := make(map[string]int)
	for w, buckets := range a.windows {
		horizon := nowMs - int64(retainedBuckets)*int64(w)*1000
		n := 0
		for start := range buckets {
			if start < horizon {
				delete(buckets, start)
				n++
			}
		}
		if n > 0 {
			evicted[models.WindowLabel(w)] = n
		}
	}
	return evicted
}

// BucketCount reports how many buckets a window currently holds
func (a *Aggregator) BucketCount(windowSec int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows[windowSec])
}
