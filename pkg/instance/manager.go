// Package instance watches registered worker instances and reclaims work
// from the ones that stop heartbeating.
package instance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/metrics"
	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/store"
)

// Manager runs the heartbeat sweeper. An instance whose last heartbeat is
// older than OfflineAfter is marked OFFLINE and its queued work is returned
// to the ready queue with priority preserved.
type Manager struct {
	store  *store.Store
	config config.InstanceConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager over the store.
func NewManager(st *store.Store, cfg config.InstanceConfig) *Manager {
	return &Manager{store: st, config: cfg}
}

// Start launches the sweep loop. It first runs one synchronous recovery
// sweep so work orphaned by a previous crash of this process is requeued
// before the server starts taking traffic.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	if err := m.Sweep(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	slog.Info("Instance sweeper started",
		"interval", m.config.SweepInterval, "offline_after", m.config.OfflineAfter)
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				slog.Error("Instance sweep failed", "error", err)
			}
		}
	}
}

// Sweep examines every registered instance once and reclaims work from the
// stale ones. Exported so tests and startup recovery can drive it directly.
func (m *Manager) Sweep(ctx context.Context) error {
	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		return err
	}

	byStatus := map[models.InstanceStatus]int{}
	now := time.Now()
	for _, inst := range instances {
		if inst.Status != models.InstanceOffline && now.Sub(inst.LastHeartbeat) > m.config.OfflineAfter {
			res, err := m.store.ReassignFromInstance(ctx, inst.ID, now)
			if err != nil {
				slog.Error("Failed to reassign from stale instance",
					"instance_id", inst.ID, "error", err)
				continue
			}
			slog.Warn("Instance went offline",
				"instance_id", inst.ID,
				"last_heartbeat", inst.LastHeartbeat,
				"reassigned", res.ReassignedCount)
			byStatus[models.InstanceOffline]++
			continue
		}
		byStatus[inst.Status]++
	}

	for _, status := range []models.InstanceStatus{
		models.InstanceActive, models.InstanceIdle, models.InstanceBusy, models.InstanceOffline,
	} {
		metrics.ActiveInstances.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}

	depth, err := m.store.Client().ZCard(ctx, store.ReadyQueueKey).Result()
	if err == nil {
		metrics.QueueDepth.WithLabelValues("ready").Set(float64(depth))
	}
	conflicts, err := m.store.Client().LLen(ctx, store.ConflictQueueKey).Result()
	if err == nil {
		metrics.QueueDepth.WithLabelValues("conflicts").Set(float64(conflicts))
	}
	return nil
}
