// Package metrics exposes the process's Prometheus collectors and a small
// in-memory latency window for the system.metrics RPC.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchDuration observes end-to-end RPC dispatch latency per method.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cobe",
		Name:      "dispatch_duration_seconds",
		Help:      "RPC dispatch latency by method and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})

	// ScriptCalls counts coordination script executions by script and outcome.
	ScriptCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cobe",
		Name:      "script_calls_total",
		Help:      "Coordination script executions by script and outcome.",
	}, []string{"script", "outcome"})

	// QueueDepth tracks the ready-queue and conflict-queue sizes.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cobe",
		Name:      "queue_depth",
		Help:      "Current queue depth by queue.",
	}, []string{"queue"})

	// ActiveInstances tracks registered instances by status.
	ActiveInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cobe",
		Name:      "active_instances",
		Help:      "Registered instances by status.",
	}, []string{"status"})

	// EventsPublished counts bus publishes by stream kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cobe",
		Name:      "events_published_total",
		Help:      "Bus events published by event type.",
	}, []string{"type"})

	// HookDecisions counts hook validation outcomes.
	HookDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cobe",
		Name:      "hook_decisions_total",
		Help:      "Hook validation decisions by verdict.",
	}, []string{"decision"})
)

// latencyWindowSize is the number of recent dispatch samples kept for the
// percentile summary returned by system.metrics.
const latencyWindowSize = 512

// LatencyWindow is a fixed-size ring of recent latency samples. Percentiles
// over a small recent window are cheap and good enough for an operator
// summary; Prometheus histograms remain the real observability surface.
type LatencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	next    int
	filled  int
}

// NewLatencyWindow creates an empty window.
func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{}
}

// Observe records one sample.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindowSize
	if w.filled < latencyWindowSize {
		w.filled++
	}
}

// Summary returns count, average and approximate p50/p95/p99 over the
// current window.
func (w *LatencyWindow) Summary() Summary {
	w.mu.Lock()
	n := w.filled
	buf := make([]time.Duration, n)
	copy(buf, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return Summary{}
	}
	// Insertion sort; the window is small.
	for i := 1; i < n; i++ {
		v := buf[i]
		j := i - 1
		for j >= 0 && buf[j] > v {
			buf[j+1] = buf[j]
			j--
		}
		buf[j+1] = v
	}
	var total time.Duration
	for _, v := range buf {
		total += v
	}
	return Summary{
		Count: n,
		Avg:   total / time.Duration(n),
		P50:   buf[percentileIndex(n, 50)],
		P95:   buf[percentileIndex(n, 95)],
		P99:   buf[percentileIndex(n, 99)],
	}
}

// Summary is the operator-facing latency digest.
type Summary struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
