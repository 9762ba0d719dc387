package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomchat/loomchat/pkg/models"
)

const streamSnapshotTTL = 24 * time.Hour

func streamKey(streamID string) string { return "chat:stream:" + streamID }

// StreamArchive keeps durable snapshots of streaming state so a stream can
// still be inspected after the in-memory entry is gone or the process
// restarted mid-stream.
type StreamArchive struct {
	store  kv
	logger *slog.Logger
}

// NewStreamArchive creates an archive over a connected redis client.
func NewStreamArchive(rdb *redis.Client, logger *slog.Logger) *StreamArchive {
	return &StreamArchive{store: redisKV{rdb: rdb}, logger: logger}
}

// SaveStreamState persists a snapshot, replacing any previous one for the
// same stream.
func (a *StreamArchive) SaveStreamState(ctx context.Context, state *models.StreamStateView) error {
	if state == nil || state.StreamID == "" {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal stream snapshot: %w", err)
	}
	if err := a.store.Set(ctx, streamKey(state.StreamID), string(data), streamSnapshotTTL); err != nil {
		return fmt.Errorf("failed to save stream snapshot: %w", err)
	}
	return nil
}

// LoadStreamState returns the archived snapshot for a stream, if one exists.
func (a *StreamArchive) LoadStreamState(ctx context.Context, streamID string) (*models.StreamStateView, bool) {
	val, ok, err := a.store.Get(ctx, streamKey(streamID))
	if err != nil {
		a.logger.Warn("Stream archive read failed", "stream_id", streamID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var state models.StreamStateView
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		a.logger.Warn("Stream archive entry corrupt", "stream_id", streamID, "error", err)
		return nil, false
	}
	return &state, true
}
