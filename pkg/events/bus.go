// Package events is the durable, at-least-once pub/sub layered on the
// store. Publishing appends to an append-only stream (the journal) and
// broadcasts on the matching notify channel in one round trip; ordering is
// total per stream and undefined across streams. Subscribers deduplicate
// with per-subscriber cursors.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cobehq/cobe/pkg/store"
)

// notifyChannelPrefix namespaces the live pub/sub channels; the journal
// lives at store.StreamKey(stream).
const notifyChannelPrefix = store.KeyPrefix + "notify:"

// NotifyChannel returns the pub/sub channel for a stream.
func NotifyChannel(stream string) string { return notifyChannelPrefix + stream }

// Bus publishes events and reads the journal.
type Bus struct {
	rdb          *redis.Client
	streamMaxLen int64
}

// NewBus creates a bus over the store's client.
func NewBus(rdb *redis.Client, streamMaxLen int64) *Bus {
	if streamMaxLen <= 0 {
		streamMaxLen = 10000
	}
	return &Bus{rdb: rdb, streamMaxLen: streamMaxLen}
}

// Publish journals the event and broadcasts it. The XADD and PUBLISH run in
// one transactional pipeline so a journaled event is always broadcast and
// vice versa. Returns the assigned event id.
func (b *Bus) Publish(ctx context.Context, stream, eventType string, payload map[string]any) (string, error) {
	evt := Event{
		ID:        uuid.New().String(),
		Stream:    stream,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	blob, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: store.StreamKey(stream),
		MaxLen: b.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      evt.ID,
			"type":    evt.Type,
			"payload": string(blob),
		},
	})
	pipe.Publish(ctx, NotifyChannel(stream), string(blob))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return evt.ID, nil
}

// Catchup reads journaled events after sinceID (a stream entry id, "0" for
// everything) up to limit. Used by late WebSocket subscribers and cursor
// replay.
func (b *Bus) Catchup(ctx context.Context, stream, sinceID string, limit int64) ([]Event, string, error) {
	start := "-"
	if sinceID != "" && sinceID != "0" {
		start = "(" + sinceID
	}
	entries, err := b.rdb.XRangeN(ctx, store.StreamKey(stream), start, "+", limit).Result()
	if err != nil && err != redis.Nil {
		return nil, sinceID, fmt.Errorf("catchup read %s: %w", stream, err)
	}
	out := make([]Event, 0, len(entries))
	last := sinceID
	if last == "" {
		last = "0"
	}
	for _, entry := range entries {
		blob, ok := entry.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(blob), &evt); err != nil {
			continue
		}
		out = append(out, evt)
		last = entry.ID
	}
	return out, last, nil
}

// cursorKey holds per-subscriber dedup cursors: stream → last processed
// journal entry id.
func cursorKey(subscriber string) string {
	return store.KeyPrefix + "events:cursor:" + subscriber
}

// SetCursor records the last processed journal entry for a subscriber.
func (b *Bus) SetCursor(ctx context.Context, subscriber, stream, entryID string) error {
	return b.rdb.HSet(ctx, cursorKey(subscriber), stream, entryID).Err()
}

// GetCursor reads a subscriber's cursor for a stream ("0" when none).
func (b *Bus) GetCursor(ctx context.Context, subscriber, stream string) (string, error) {
	v, err := b.rdb.HGet(ctx, cursorKey(subscriber), stream).Result()
	if err == redis.Nil {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return v, nil
}
