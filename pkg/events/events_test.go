package events

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBus(rdb, 1000), rdb
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		eventType string
		want      bool
	}{
		{"exact", "task.create", "task.create", true},
		{"bare wildcard", "*", "subtask.assigned", true},
		{"prefix wildcard", "task.*", "task.create", true},
		{"prefix wildcard no match", "task.*", "subtask.assigned", false},
		{"suffix wildcard", "*.assigned", "subtask.assigned", true},
		{"segment count mismatch", "task.*", "task.create.extra", false},
		{"middle wildcard", "task.*.done", "task.abc.done", true},
		{"no match", "instance.offline", "instance.registered", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.eventType))
		})
	}
}

func TestPublishAndCatchup(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	id1, err := bus.Publish(ctx, "task:t1", "task.create", map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = bus.Publish(ctx, "task:t1", "subtask.assigned", map[string]any{"subtask_id": "s1"})
	require.NoError(t, err)

	evts, last, err := bus.Catchup(ctx, "task:t1", "0", 100)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task.create", evts[0].Type)
	assert.Equal(t, "subtask.assigned", evts[1].Type)
	assert.Equal(t, "t1", evts[0].Payload["task_id"])
	assert.NotEqual(t, "0", last)

	// Resuming from the cursor returns nothing new.
	more, _, err := bus.Catchup(ctx, "task:t1", last, 100)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestCatchupExclusiveStart(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "global", "task.create", nil)
	require.NoError(t, err)
	evts, first, err := bus.Catchup(ctx, "global", "0", 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)

	_, err = bus.Publish(ctx, "global", "task.update", nil)
	require.NoError(t, err)

	evts, _, err = bus.Catchup(ctx, "global", first, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "task.update", evts[0].Type)
}

func TestCatchupEmptyStream(t *testing.T) {
	bus, _ := newTestBus(t)
	evts, last, err := bus.Catchup(context.Background(), "task:missing", "", 10)
	require.NoError(t, err)
	assert.Empty(t, evts)
	assert.Equal(t, "0", last)
}

func TestPublishBroadcastsOnNotifyChannel(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx := context.Background()

	pubsub := rdb.Subscribe(ctx, NotifyChannel("hooks"))
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "hooks", "hook.denied", map[string]any{"tool": "Bash"})
	require.NoError(t, err)

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "hook.denied")
}

func TestCursors(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	cur, err := bus.GetCursor(ctx, "worker-1", "global")
	require.NoError(t, err)
	assert.Equal(t, "0", cur)

	require.NoError(t, bus.SetCursor(ctx, "worker-1", "global", "1700000000000-0"))
	cur, err = bus.GetCursor(ctx, "worker-1", "global")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", cur)

	// Cursors are per subscriber.
	cur, err = bus.GetCursor(ctx, "worker-2", "global")
	require.NoError(t, err)
	assert.Equal(t, "0", cur)
}
