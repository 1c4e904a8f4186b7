// Package redis persists session snapshots. A snapshot is one JSON value
// under session:{id}, with client:{clientID} pointing at the client's
// latest session so a restart can restore it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-alertsv1/internal/session"

	goredis "github.com/go-redis/redis/v8"
)

const defaultSnapshotTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when no snapshot exists for the key.
var ErrNotFound = errors.New("redis: snapshot not found")

// WriterConfig configures the Redis connection.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // snapshot expiry; 0 uses 7 days
}

// Writer reads and writes session snapshots.
type Writer struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New connects and pings the server.
func New(ctx context.Context, cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return NewFromClient(client, cfg.TTL), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client, ttl time.Duration) *Writer {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &Writer{client: client, ttl: ttl}
}

// SessionKey is the snapshot key of a session.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// ClientKey points at the latest session id of a client.
func ClientKey(clientID string) string { return "client:" + clientID }

// SavedChannel is published to after every snapshot write.
func SavedChannel(sessionID string) string { return "pub:session:" + sessionID }

// WriteSnapshot stores snap, refreshes the client pointer and announces the
// save, all in one pipeline.
func (w *Writer) WriteSnapshot(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", snap.SessionID, err)
	}

	pipe := w.client.Pipeline()
	pipe.Set(ctx, SessionKey(snap.SessionID), data, w.ttl)
	if snap.ClientID != "" {
		pipe.Set(ctx, ClientKey(snap.ClientID), snap.SessionID, w.ttl)
	}
	pipe.Publish(ctx, SavedChannel(snap.SessionID), snap.LastActivity.UnixMilli())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: write snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// DeleteSnapshot removes a session and, if it still points there, the
// client pointer.
func (w *Writer) DeleteSnapshot(ctx context.Context, sessionID, clientID string) error {
	if err := w.client.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", sessionID, err)
	}
	if clientID == "" {
		return nil
	}
	cur, err := w.client.Get(ctx, ClientKey(clientID)).Result()
	if err == nil && cur == sessionID {
		return w.client.Del(ctx, ClientKey(clientID)).Err()
	}
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("redis: client pointer %s: %w", clientID, err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
