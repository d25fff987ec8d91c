package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
)

// SQLiteStore persists checkpoints in a single SQLite table so paused
// workflows survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			node TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "devrel.checkpoint", "checkpoint.get",
		attribute.String("backend", "sqlite"),
		attribute.String("checkpoint_id", id),
	)
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_session_id, node, state, created_at, updated_at FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		observability.RecordCheckpointOp("sqlite", "get", true)
		return nil, ErrNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		observability.RecordCheckpointOp("sqlite", "get", false)
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}

	observability.RecordCheckpointOp("sqlite", "get", true)
	return cp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	ctx, span := tracing.StartSpan(ctx, "devrel.checkpoint", "checkpoint.put",
		attribute.String("backend", "sqlite"),
	)
	defer span.End()

	if err := validate(cp); err != nil {
		observability.RecordCheckpointOp("sqlite", "put", false)
		return err
	}
	span.SetAttributes(attribute.String("checkpoint_id", cp.ID), attribute.String("node", cp.Node))

	state, err := json.Marshal(cp.State)
	if err != nil {
		observability.RecordCheckpointOp("sqlite", "put", false)
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	now := time.Now()
	created := cp.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, parent_session_id, node, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_session_id = excluded.parent_session_id,
			node = excluded.node,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, cp.ID, cp.ParentSessionID, cp.Node, string(state), created.UnixNano(), now.UnixNano())
	if err != nil {
		tracing.RecordError(span, err)
		observability.RecordCheckpointOp("sqlite", "put", false)
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}

	observability.RecordCheckpointOp("sqlite", "put", true)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		observability.RecordCheckpointOp("sqlite", "delete", false)
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	observability.RecordCheckpointOp("sqlite", "delete", true)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_session_id, node, state, created_at, updated_at FROM checkpoints ORDER BY id`)
	if err != nil {
		observability.RecordCheckpointOp("sqlite", "list", false)
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			observability.RecordCheckpointOp("sqlite", "list", false)
			return nil, fmt.Errorf("failed to read checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	observability.RecordCheckpointOp("sqlite", "list", true)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp               Checkpoint
		state            string
		created, updated int64
	)
	if err := row.Scan(&cp.ID, &cp.ParentSessionID, &cp.Node, &state, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("corrupt state: %w", err)
	}
	cp.CreatedAt = time.Unix(0, created)
	cp.UpdatedAt = time.Unix(0, updated)
	return &cp, nil
}
