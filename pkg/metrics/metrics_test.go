package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindowEmpty(t *testing.T) {
	w := NewLatencyWindow()
	s := w.Summary()
	assert.Zero(t, s.Count)
	assert.Zero(t, s.P99)
}

func TestLatencyWindowPercentiles(t *testing.T) {
	w := NewLatencyWindow()
	for i := 1; i <= 100; i++ {
		w.Observe(time.Duration(i) * time.Millisecond)
	}
	s := w.Summary()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)
}

func TestLatencyWindowWraps(t *testing.T) {
	w := NewLatencyWindow()
	for i := 0; i < latencyWindowSize*2; i++ {
		w.Observe(time.Millisecond)
	}
	s := w.Summary()
	assert.Equal(t, latencyWindowSize, s.Count)
	assert.Equal(t, time.Millisecond, s.P99)
}
