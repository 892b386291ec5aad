package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cobehq/cobe/pkg/models"
)

// RegisterInstance writes the instance hash, indexes the id, and inserts a
// pool record under every specialist kind the instance's roles cover.
// Registration is an upsert: re-registering refreshes the record.
func (s *Store) RegisterInstance(ctx context.Context, inst *models.Instance) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	roles, err := json.Marshal(inst.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	caps, err := json.Marshal(inst.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	meta := "{}"
	if len(inst.Metadata) > 0 {
		b, err := json.Marshal(inst.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	rec := models.SpecialistRecord{
		ID:            inst.ID,
		Capabilities:  inst.Capabilities,
		CurrentLoad:   0,
		MaxLoad:       inst.MaxLoad,
		LastHeartbeat: inst.LastHeartbeat.UnixMilli(),
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal specialist record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, instanceKey(inst.ID),
		"id", inst.ID,
		"roles", string(roles),
		"capabilities", string(caps),
		"current_load", "0",
		"max_load", strconv.Itoa(inst.MaxLoad),
		"last_heartbeat", strconv.FormatInt(inst.LastHeartbeat.UnixMilli(), 10),
		"status", string(models.InstanceIdle),
		"started_at", strconv.FormatInt(inst.StartedAt.UnixMilli(), 10),
		"metadata", meta,
	)
	pipe.SAdd(ctx, instanceIndexKey, inst.ID)
	for _, role := range inst.Roles {
		if models.ValidSpecialistKind(models.SpecialistKind(role)) {
			pipe.HSet(ctx, specialistsKey(role), inst.ID, string(recJSON))
		}
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey("instance:" + inst.ID),
		Values: map[string]interface{}{
			"type":        "instance.registered",
			"instance_id": inst.ID,
			"ts":          strconv.FormatInt(inst.StartedAt.UnixMilli(), 10),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat and optionally transient metadata.
// An OFFLINE instance that heartbeats again comes back as IDLE; its load
// was already released by reassignment.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, metadata map[string]string, now time.Time) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	exists, err := s.rdb.Exists(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("heartbeat exists check: %w", err)
	}
	if exists == 0 {
		return ErrUnknownInstance
	}

	fields := []interface{}{"last_heartbeat", strconv.FormatInt(now.UnixMilli(), 10)}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal heartbeat metadata: %w", err)
		}
		fields = append(fields, "metadata", string(b))
	}

	status, err := s.rdb.HGet(ctx, instanceKey(instanceID), "status").Result()
	if err == nil && status == string(models.InstanceOffline) {
		fields = append(fields, "status", string(models.InstanceIdle))
	}

	if err := s.rdb.HSet(ctx, instanceKey(instanceID), fields...).Err(); err != nil {
		return fmt.Errorf("heartbeat update: %w", err)
	}
	return nil
}

// UnregisterInstance removes the instance record and its pool entries.
// The caller is responsible for draining its queue first (ReassignFromInstance).
func (s *Store) UnregisterInstance(ctx context.Context, instanceID string, now time.Time) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, instanceKey(instanceID))
	pipe.SRem(ctx, instanceIndexKey, instanceID)
	for _, role := range inst.Roles {
		pipe.HDel(ctx, specialistsKey(role), instanceID)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey("instance:" + instanceID),
		Values: map[string]interface{}{
			"type":        "instance.unregistered",
			"instance_id": instanceID,
			"ts":          strconv.FormatInt(now.UnixMilli(), 10),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister instance: %w", err)
	}
	return nil
}

// GetInstance reads one instance record.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownInstance
	}
	return instanceFromHash(fields)
}

// ListInstances reads every registered instance.
func (s *Store) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instance ids: %w", err)
	}
	out := make([]*models.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err == ErrUnknownInstance {
			// Index entry outlived the hash (concurrent unregister); skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// InstanceQueue returns the composite members queued on an instance.
func (s *Store) InstanceQueue(ctx context.Context, instanceID string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.LRange(ctx, instanceQueueKey(instanceID), 0, -1).Result()
}

// SpecialistPool returns the pool records for a kind.
func (s *Store) SpecialistPool(ctx context.Context, kind models.SpecialistKind) (map[string]models.SpecialistRecord, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	raw, err := s.rdb.HGetAll(ctx, specialistsKey(string(kind))).Result()
	if err != nil {
		return nil, fmt.Errorf("specialist pool %s: %w", kind, err)
	}
	out := make(map[string]models.SpecialistRecord, len(raw))
	for id, blob := range raw {
		var rec models.SpecialistRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("decode specialist record %s: %w", id, err)
		}
		out[id] = rec
	}
	return out, nil
}

func instanceFromHash(fields map[string]string) (*models.Instance, error) {
	inst := &models.Instance{
		ID:     fields["id"],
		Status: models.InstanceStatus(fields["status"]),
	}
	if err := json.Unmarshal([]byte(orDefault(fields["roles"], "[]")), &inst.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(orDefault(fields["capabilities"], "[]")), &inst.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if m := fields["metadata"]; m != "" && m != "{}" {
		if err := json.Unmarshal([]byte(m), &inst.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	inst.CurrentLoad, _ = strconv.Atoi(fields["current_load"])
	inst.MaxLoad, _ = strconv.Atoi(fields["max_load"])
	if ms, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		inst.LastHeartbeat = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		inst.StartedAt = time.UnixMilli(ms)
	}
	return inst, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
