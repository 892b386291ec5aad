package sampling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.SamplingConfig{
		Endpoint:       srv.URL,
		CallTimeout:    2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
}

func TestDecompose(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/decompose", r.URL.Path)
		var req DecomposeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t1", req.TaskID)
		json.NewEncoder(w).Encode(DecomposeResponse{
			Reasoning: "split by layer",
			Subtasks: []ProposedSubtask{
				{ID: "a", Description: "schema", Specialist: "backend", Priority: 60},
				{ID: "b", Description: "ui", Specialist: "frontend", Priority: 40, Dependencies: []string{"a"}},
			},
		})
	}))

	resp, err := c.Decompose(context.Background(), &DecomposeRequest{TaskID: "t1", Text: "build it"})
	require.NoError(t, err)
	require.Len(t, resp.Subtasks, 2)

	d := resp.Decomposition("t1")
	assert.Equal(t, "t1", d.TaskID)
	assert.Equal(t, "provider", d.Source)
	assert.Equal(t, []string{"a"}, d.Subtasks[1].Dependencies)
}

func TestDecomposeRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(DecomposeResponse{
			Subtasks: []ProposedSubtask{{ID: "a", Description: "all", Specialist: "general"}},
		})
	}))

	resp, err := c.Decompose(context.Background(), &DecomposeRequest{TaskID: "t1"})
	require.NoError(t, err)
	assert.Len(t, resp.Subtasks, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDecomposeDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := c.Decompose(context.Background(), &DecomposeRequest{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDecomposeRejectsInvalidSchema(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Missing description and an unknown specialist kind.
		w.Write([]byte(`{"subtasks":[{"id":"a","specialist":"wizard"}]}`))
	}))

	_, err := c.Decompose(context.Background(), &DecomposeRequest{TaskID: "t1"})
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestDecomposeRejectsEmptySubtasks(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"subtasks":[]}`))
	}))

	_, err := c.Decompose(context.Background(), &DecomposeRequest{TaskID: "t1"})
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestResolve(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resolve", r.URL.Path)
		json.NewEncoder(w).Encode(ResolveResponse{WinnerID: "w2", Approach: "GraphQL", Reasoning: "fits the client"})
	}))

	resp, err := c.Resolve(context.Background(), &ResolveRequest{ConflictID: "t1:a"})
	require.NoError(t, err)
	assert.Equal(t, "w2", resp.WinnerID)
}

func TestSynthesizeRejectsUnknownStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"maybe_fine"}`))
	}))

	_, err := c.Synthesize(context.Background(), &SynthesizeRequest{TaskID: "t1"})
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHealth(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	assert.NoError(t, c.Health(context.Background()))
}
