package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"frameworks/crowsnest/pkg/logging"
)

// MongoConn represents a MongoDB client connection
type MongoConn = *mongo.Client

// Config holds database configuration
type Config struct {
	URI              string
	Database         string
	ConnectTimeout   time.Duration
	SelectionTimeout time.Duration
	MaxPoolSize      uint64
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	return Config{
		Database:         "analytics",
		ConnectTimeout:   10 * time.Second,
		SelectionTimeout: 10 * time.Second,
		MaxPoolSize:      100,
	}
}

// Connect establishes a MongoDB connection with the given configuration
func Connect(cfg Config, logger logging.Logger) (MongoConn, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb URI is required")
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.SelectionTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SelectionTimeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	logger.WithFields(logging.Fields{
		"database":      cfg.Database,
		"max_pool_size": cfg.MaxPoolSize,
	}).Info("MongoDB connected")

	return client, nil
}

// MustConnect is like Connect but exits on error
func MustConnect(cfg Config, logger logging.Logger) MongoConn {
	client, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	return client
}
