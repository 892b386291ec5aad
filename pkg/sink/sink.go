// Package sink is the write-through relational archive: durable copies of
// tasks, subtasks, attachments, and assignment history in PostgreSQL. The
// store stays authoritative for live coordination; the sink serves
// durability, querying, and attachment read-through.
package sink

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a miss on a sink read.
var ErrNotFound = errors.New("not found in sink")

// queryRowLimit caps system.postgres.query result sets.
const queryRowLimit = 500

// Sink archives coordination state in PostgreSQL.
type Sink struct {
	db *sqlx.DB
}

// New connects to the sink database and runs pending migrations.
func New(cfg config.SinkConfig) (*Sink, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect sink: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Sink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing connection; tests use this with sqlmock.
func NewFromDB(db *sqlx.DB) *Sink { return &Sink{db: db} }

// Close releases the connection pool.
func (s *Sink) Close() error { return s.db.Close() }

// Ping verifies the sink is reachable.
func (s *Sink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Sink) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(s.db.DB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("Sink migrations applied")
	return nil
}

// SaveTask upserts a task record.
func (s *Sink) SaveTask(ctx context.Context, t *models.Task) error {
	meta, err := jsonOrNull(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, text, priority, status, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.Text, t.Priority, t.Status, meta, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// SaveSubtask upserts a subtask record.
func (s *Sink) SaveSubtask(ctx context.Context, st *models.Subtask) error {
	deps, err := jsonOrNull(st.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal subtask dependencies: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subtasks (id, parent_id, description, specialist, status, priority,
			complexity, estimated_minutes, dependencies, assigned_to, output,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (parent_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			output = EXCLUDED.output,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		st.ID, st.ParentID, st.Description, st.Specialist, st.Status, st.Priority,
		st.Complexity, st.EstimatedMinutes, deps, st.AssignedTo, st.Output,
		st.CreatedAt, st.UpdatedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("save subtask %s/%s: %w", st.ParentID, st.ID, err)
	}
	return nil
}

// SaveAttachment upserts the durable attachment copy. The full attachment
// JSON lands in payload so read-through reconstructs it exactly.
func (s *Sink) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	payload, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, task_id, key, type, payload, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, key) DO UPDATE SET
			id = EXCLUDED.id,
			type = EXCLUDED.type,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			created_by = EXCLUDED.created_by`,
		att.ID, att.TaskID, att.Key, att.Type, payload, att.CreatedAt, att.CreatedBy)
	if err != nil {
		return fmt.Errorf("save attachment %s/%s: %w", att.TaskID, att.Key, err)
	}
	return nil
}

// GetAttachment reads the durable copy; the read-through path when the
// in-store cache was evicted.
func (s *Sink) GetAttachment(ctx context.Context, taskID, key string) (*models.Attachment, error) {
	var payload []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT payload FROM attachments WHERE task_id = $1 AND key = $2`,
		taskID, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s/%s: %w", taskID, key, err)
	}
	var att models.Attachment
	if err := json.Unmarshal(payload, &att); err != nil {
		return nil, fmt.Errorf("decode attachment %s/%s: %w", taskID, key, err)
	}
	return &att, nil
}

// RecordAssignment appends one assignment-history row.
func (s *Sink) RecordAssignment(ctx context.Context, parentID, subtaskID, instanceID, kind string, assignedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_history (parent_id, subtask_id, instance_id, kind, assigned_at)
		VALUES ($1, $2, $3, $4, $5)`,
		parentID, subtaskID, instanceID, kind, assignedAt)
	if err != nil {
		return fmt.Errorf("record assignment %s/%s: %w", parentID, subtaskID, err)
	}
	return nil
}

// Tables lists the sink's public tables (system.postgres.tables).
func (s *Sink) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := s.db.SelectContext(ctx, &tables, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// Query runs a read-only ad-hoc query (system.postgres.query). Only a
// single SELECT statement is accepted; results are capped at queryRowLimit
// rows.
func (s *Sink) Query(ctx context.Context, query string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return nil, fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("multiple statements are not allowed")
	}

	rows, err := s.db.QueryxContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("query sink: %w", err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		if len(out) >= queryRowLimit {
			break
		}
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, val := range row {
			if b, ok := val.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func jsonOrNull(v any) (any, error) {
	switch x := v.(type) {
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return blob, nil
}
