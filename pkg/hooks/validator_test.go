package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/store"
)

func newTestValidator(t *testing.T, cfg config.HooksConfig) (*Validator, *events.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := events.NewBus(rdb, 1000)
	return NewValidator(cfg, bus, store.NewFromClient(rdb)), bus
}

func defaultHooksConfig() config.HooksConfig {
	return config.HooksConfig{
		CacheTTL:         time.Minute,
		CacheSize:        128,
		SessionRateLimit: 1000,
		SessionRateBurst: 1000,
	}
}

func TestPreToolDeniesDangerousCommand(t *testing.T) {
	v, bus := newTestValidator(t, defaultHooksConfig())
	ctx := context.Background()

	d, err := v.PreTool(ctx, "s1", "bash", map[string]any{"command": "rm -rf /"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "dangerous")

	// The denial is on the audit stream.
	evts, _, err := bus.Catchup(ctx, "hooks", "0", 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "hook.decision", evts[0].Type)
	assert.Equal(t, "deny", evts[0].Payload["decision"])

	// And the reason sits at the stable rejection key.
	reason, err := v.LastRejection(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, reason, "dangerous")
}

func TestPreToolAllowsOrdinaryCommand(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())

	d, err := v.PreTool(context.Background(), "s1", "bash", map[string]any{"command": "go test ./..."})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Warnings)
}

func TestPreToolStripsSudo(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())

	d, err := v.PreTool(context.Background(), "s1", "bash", map[string]any{"command": "sudo systemctl restart app"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	require.NotNil(t, d.Modified)
	assert.Equal(t, "systemctl restart app", d.Modified["command"])
}

func TestPreToolBlocksSystemPathWrites(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())

	d, err := v.PreTool(context.Background(), "s1", "write", map[string]any{
		"file_path": "/etc/passwd", "content": "x",
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "/etc/passwd")

	d, err = v.PreTool(context.Background(), "s1", "write", map[string]any{
		"file_path": "/home/dev/notes.md", "content": "x",
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestPreToolWarnsOnLargeOperations(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())

	d, err := v.PreTool(context.Background(), "s1", "bash", map[string]any{"command": "find / -name core"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.NotEmpty(t, d.Warnings)
}

func TestPreToolCachesDecisions(t *testing.T) {
	v, bus := newTestValidator(t, defaultHooksConfig())
	ctx := context.Background()
	params := map[string]any{"command": "ls -la"}

	first, err := v.PreTool(ctx, "s1", "bash", params)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := v.PreTool(ctx, "s1", "bash", params)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Allow, second.Allow)

	// Only the miss was audited.
	evts, _, err := bus.Catchup(ctx, "hooks", "0", 10)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestPreToolSessionRateLimit(t *testing.T) {
	cfg := defaultHooksConfig()
	cfg.SessionRateLimit = 0.001
	cfg.SessionRateBurst = 2
	v, _ := newTestValidator(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := v.PreTool(ctx, "s1", "bash", map[string]any{"command": "echo", "n": i})
		require.NoError(t, err)
	}
	_, err := v.PreTool(ctx, "s1", "bash", map[string]any{"command": "echo", "n": 3})
	require.ErrorIs(t, err, ErrSessionRateLimited)

	// Budgets are per session.
	_, err = v.PreTool(ctx, "s2", "bash", map[string]any{"command": "echo"})
	require.NoError(t, err)
}

func TestPostToolAppliesTransformers(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())

	redact := func(m map[string]any) map[string]any {
		m["secret"] = "[redacted]"
		return m
	}
	out, err := v.PostTool(context.Background(), "s1", "bash",
		map[string]any{"stdout": "ok", "secret": "hunter2"}, redact)
	require.NoError(t, err)
	assert.Equal(t, "[redacted]", out["secret"])
	assert.Equal(t, "ok", out["stdout"])
}

func TestTodoWriteValidation(t *testing.T) {
	v, _ := newTestValidator(t, defaultHooksConfig())
	ctx := context.Background()

	d, err := v.TodoWrite(ctx, "s1", []map[string]any{
		{"content": "wire the api"},
		{"content": "write tests"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = v.TodoWrite(ctx, "s1", []map[string]any{
		{"content": "   "},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}
