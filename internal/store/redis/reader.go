package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"trading-alertsv1/internal/session"

	goredis "github.com/go-redis/redis/v8"
)

// ReadSnapshot loads the snapshot of sessionID.
func (w *Writer) ReadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	data, err := w.client.Get(ctx, SessionKey(sessionID)).Bytes()
	if err == goredis.Nil {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("redis: GET %s: %w", SessionKey(sessionID), err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("redis: decode snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

// ReadSnapshotByClient loads the latest session saved for clientID.
func (w *Writer) ReadSnapshotByClient(ctx context.Context, clientID string) (session.Snapshot, error) {
	id, err := w.client.Get(ctx, ClientKey(clientID)).Result()
	if err == goredis.Nil {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("redis: GET %s: %w", ClientKey(clientID), err)
	}
	return w.ReadSnapshot(ctx, id)
}
