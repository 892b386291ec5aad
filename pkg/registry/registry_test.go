package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMethodNotFound(t *testing.T) {
	r := New(nil)
	_, rpcErr := r.Dispatch(context.Background(), "no.such", "c1", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestDispatchInvoke(t *testing.T) {
	r := New(nil)
	r.Register("echo.params", func(ctx context.Context, call *Call) (any, error) {
		return call.Params["x"], nil
	}, HandlerConfig{})

	res, rpcErr := r.Dispatch(context.Background(), "echo.params", "c1", map[string]any{"x": 42})
	require.Nil(t, rpcErr)
	assert.Equal(t, 42, res)
}

func TestDispatchRateLimit(t *testing.T) {
	r := New(nil)
	r.Register("limited.op", func(ctx context.Context, call *Call) (any, error) {
		return "ok", nil
	}, HandlerConfig{RateLimit: &RateLimitRule{Capacity: 2, RefillPerSec: 0.001}})

	for i := 0; i < 2; i++ {
		_, rpcErr := r.Dispatch(context.Background(), "limited.op", "c1", nil)
		require.Nil(t, rpcErr)
	}
	_, rpcErr := r.Dispatch(context.Background(), "limited.op", "c1", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeRateLimitExceeded, rpcErr.Code)

	// Buckets are per client; another client still has tokens.
	_, rpcErr = r.Dispatch(context.Background(), "limited.op", "c2", nil)
	assert.Nil(t, rpcErr)
}

func TestDispatchCircuitOpens(t *testing.T) {
	r := New(nil)
	boom := errors.New("downstream down")
	r.Register("flaky.op", func(ctx context.Context, call *Call) (any, error) {
		return nil, boom
	}, HandlerConfig{Circuit: &CircuitRule{Failures: 3, Trip: time.Minute}})

	for i := 0; i < 3; i++ {
		_, rpcErr := r.Dispatch(context.Background(), "flaky.op", "c1", nil)
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeInternalError, rpcErr.Code)
	}
	_, rpcErr := r.Dispatch(context.Background(), "flaky.op", "c1", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeCircuitOpen, rpcErr.Code)
}

func TestDispatchCache(t *testing.T) {
	r := New(nil)
	calls := 0
	r.Register("cached.op", func(ctx context.Context, call *Call) (any, error) {
		calls++
		return calls, nil
	}, HandlerConfig{Cache: &CacheRule{TTL: time.Minute, KeyFields: []string{"id"}}})

	res1, rpcErr := r.Dispatch(context.Background(), "cached.op", "c1", map[string]any{"id": "a", "noise": 1})
	require.Nil(t, rpcErr)
	res2, rpcErr := r.Dispatch(context.Background(), "cached.op", "c1", map[string]any{"id": "a", "noise": 2})
	require.Nil(t, rpcErr)
	assert.Equal(t, res1, res2)
	assert.Equal(t, 1, calls)

	// Different key field misses.
	_, rpcErr = r.Dispatch(context.Background(), "cached.op", "c1", map[string]any{"id": "b"})
	require.Nil(t, rpcErr)
	assert.Equal(t, 2, calls)
}

func TestDispatchTimeout(t *testing.T) {
	r := New(nil)
	r.Register("slow.op", func(ctx context.Context, call *Call) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}, HandlerConfig{Timeout: 10 * time.Millisecond})

	_, rpcErr := r.Dispatch(context.Background(), "slow.op", "c1", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeHandlerError, rpcErr.Code)
	assert.Equal(t, "TIMEOUT", rpcErr.Data["kind"])
}

func TestDispatchPersistHook(t *testing.T) {
	var persisted string
	r := New(func(ctx context.Context, method string, call *Call, result any) {
		persisted = method
	})
	r.Register("durable.op", func(ctx context.Context, call *Call) (any, error) {
		return "ok", nil
	}, HandlerConfig{Persist: true})
	r.Register("volatile.op", func(ctx context.Context, call *Call) (any, error) {
		return "ok", nil
	}, HandlerConfig{})

	_, rpcErr := r.Dispatch(context.Background(), "durable.op", "c1", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, "durable.op", persisted)

	persisted = ""
	_, rpcErr = r.Dispatch(context.Background(), "volatile.op", "c1", nil)
	require.Nil(t, rpcErr)
	assert.Empty(t, persisted)
}

func TestClassifyPassesThroughRPCErrors(t *testing.T) {
	r := New(nil)
	r.Register("guarded.op", func(ctx context.Context, call *Call) (any, error) {
		return nil, ValidationError("task not found")
	}, HandlerConfig{})

	_, rpcErr := r.Dispatch(context.Background(), "guarded.op", "c1", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeValidationError, rpcErr.Code)
	assert.Equal(t, "task not found", rpcErr.Message)
}

func TestDecodeParams(t *testing.T) {
	type createParams struct {
		Title    string `json:"title" validate:"required"`
		Priority int    `json:"priority" validate:"gte=0,lte=100"`
	}
	r := New(nil)

	var p createParams
	err := r.DecodeParams(map[string]any{"title": "build", "priority": 50}, &p)
	require.NoError(t, err)
	assert.Equal(t, "build", p.Title)

	err = r.DecodeParams(map[string]any{"priority": 200}, &p)
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}
