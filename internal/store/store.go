package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"frameworks/crowsnest/internal/aggregate"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/database"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
)

const (
	eventsCollection     = "events"
	aggregatesCollection = "aggregates"
)

// Config holds store configuration
type Config struct {
	Database     string
	RawEventsTTL time.Duration
}

// Store is the persistence adapter for raw events and aggregate
// checkpoints. It sits off the broadcast critical path: callers log and
// swallow its errors after ingestion has already been acknowledged.
type Store struct {
	client     database.MongoConn
	events     *mongo.Collection
	aggregates *mongo.Collection
	ttl        time.Duration
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// New creates a store over an established MongoDB connection
func New(client database.MongoConn, cfg Config, logger logging.Logger, m *metrics.Metrics) *Store {
	db := client.Database(cfg.Database)
	return &Store{
		client:     client,
		events:     db.Collection(eventsCollection),
		aggregates: db.Collection(aggregatesCollection),
		ttl:        cfg.RawEventsTTL,
		logger:     logger,
		metrics:    m,
	}
}

// rawEventDoc is the persisted shape of a validated event. The producer
// timestamp is stored as a BSON datetime so the TTL index can expire it.
type rawEventDoc struct {
	EventID   string                 `bson:"eventId"`
	Timestamp time.Time              `bson:"ts"`
	UserID    string                 `bson:"userId"`
	SessionID string                 `bson:"sessionId"`
	Route     string                 `bson:"route"`
	Action    string                 `bson:"action"`
	Metadata  map[string]interface{} `bson:"metadata"`
}

func rawDoc(e models.Event) rawEventDoc {
	return rawEventDoc{
		EventID:   e.EventID,
		Timestamp: time.UnixMilli(e.Timestamp).UTC(),
		UserID:    e.UserID,
		SessionID: e.SessionID,
		Route:     e.Route,
		Action:    e.Action,
		Metadata:  e.Metadata,
	}
}

// EnsureIndexes creates the index set both collections need. It is
// idempotent across restarts: a pre-existing ts index with a different
// expiry is dropped and recreated, and concurrent-create conflicts from
// another instance racing the same definitions are tolerated.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ttlSeconds := int32(s.ttl / time.Second)
	if err := s.reconcileTTLIndex(ctx, ttlSeconds); err != nil {
		return err
	}

	eventIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
		},
		{Keys: bson.D{{Key: "sessionId", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "route", Value: 1}}},
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, eventIndexes); err != nil {
		if !isIndexConflict(err) {
			return fmt.Errorf("ensure event indexes: %w", err)
		}
		s.logger.WithError(err).WithField("category", "index").Debug("Event index create raced an existing definition")
	}

	aggregateIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "window", Value: 1}, {Key: "bucketStart", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.aggregates.Indexes().CreateMany(ctx, aggregateIndexes); err != nil {
		if !isIndexConflict(err) {
			return fmt.Errorf("ensure aggregate indexes: %w", err)
		}
		s.logger.WithError(err).WithField("category", "index").Debug("Aggregate index create raced an existing definition")
	}

	s.logger.WithFields(logging.Fields{
		"ttl_seconds": ttlSeconds,
	}).Info("Indexes ensured")
	return nil
}

// reconcileTTLIndex drops any existing ts index whose expiry disagrees
// with the configured TTL, so the following CreateMany can recreate it.
func (s *Store) reconcileTTLIndex(ctx context.Context, ttlSeconds int32) error {
	cursor, err := s.events.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("list event indexes: %w", err)
	}

	var specs []struct {
		Name               string `bson:"name"`
		Key                bson.D `bson:"key"`
		ExpireAfterSeconds *int32 `bson:"expireAfterSeconds"`
	}
	if err := cursor.All(ctx, &specs); err != nil {
		return fmt.Errorf("decode event indexes: %w", err)
	}

	for _, spec := range specs {
		if len(spec.Key) != 1 || spec.Key[0].Key != "ts" {
			continue
		}
		if spec.ExpireAfterSeconds != nil && *spec.ExpireAfterSeconds == ttlSeconds {
			return nil
		}
		s.logger.WithFields(logging.Fields{
			"index":       spec.Name,
			"ttl_seconds": ttlSeconds,
		}).Info("Recreating ts TTL index with new expiry")
		if err := s.events.Indexes().DropOne(ctx, spec.Name); err != nil {
			return fmt.Errorf("drop stale ttl index: %w", err)
		}
		return nil
	}
	return nil
}

// InsertEvents persists a validated batch. The insert is unordered so a
// duplicate eventId rejects only its own document; an all-duplicate
// outcome is the idempotency contract working and reports success.
func (s *Store) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, len(events))
	for i, e := range events {
		docs[i] = rawDoc(e)
	}

	start := time.Now()
	_, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	s.metrics.DBDuration.WithLabelValues("insert_events").Observe(time.Since(start).Seconds())

	if err != nil {
		if allDuplicateKeys(err) {
			s.metrics.DBQueries.WithLabelValues("insert_events", "duplicate").Inc()
			s.logger.WithError(err).WithField("category", "duplicate").Debug("Duplicate eventIds rejected by unique index")
			return nil
		}
		s.metrics.DBQueries.WithLabelValues("insert_events", "error").Inc()
		return fmt.Errorf("insert raw events: %w", err)
	}

	s.metrics.DBQueries.WithLabelValues("insert_events", "success").Inc()
	return nil
}

// UpsertAggregates bumps the persisted checkpoint for every window's
// bucket at the given receipt instant. The checkpoint is coarser than the
// in-memory bucket: headline count and errors only.
func (s *Store) UpsertAggregates(ctx context.Context, at time.Time, count, errCount int64) error {
	start := time.Now()
	var failures []error
	for _, w := range models.WindowSeconds {
		bucketStart := aggregate.BucketStart(at, w)
		filter := bson.D{
			{Key: "window", Value: w},
			{Key: "bucketStart", Value: bucketStart},
		}
		update := bson.D{
			{Key: "$inc", Value: bson.D{
				{Key: "count", Value: count},
				{Key: "errors", Value: errCount},
			}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "createdAt", Value: time.UnixMilli(bucketStart).UTC()},
			}},
		}
		if _, err := s.aggregates.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
			failures = append(failures, fmt.Errorf("upsert aggregate %ds: %w", w, err))
		}
	}
	s.metrics.DBDuration.WithLabelValues("upsert_aggregates").Observe(time.Since(start).Seconds())

	if len(failures) > 0 {
		s.metrics.DBQueries.WithLabelValues("upsert_aggregates", "error").Inc()
		return errors.Join(failures...)
	}
	s.metrics.DBQueries.WithLabelValues("upsert_aggregates", "success").Inc()
	return nil
}

// Ping probes the backend for readiness
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// allDuplicateKeys reports whether every write error in err is a
// duplicate-key rejection (and nothing else went wrong).
func allDuplicateKeys(err error) bool {
	var bulk mongo.BulkWriteException
	if errors.As(err, &bulk) {
		if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
			return false
		}
		for _, we := range bulk.WriteErrors {
			if we.Code != 11000 {
				return false
			}
		}
		return true
	}
	return mongo.IsDuplicateKeyError(err)
}

// isIndexConflict reports whether err is a create-index race against an
// equivalent or conflicting existing definition (server codes 85/86).
func isIndexConflict(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorCode(85) || se.HasErrorCode(86)
}
