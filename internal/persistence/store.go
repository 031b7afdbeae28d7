// Package persistence stores sprint snapshots and the audit trail in
// SQLite. Each sprint is one durable, versioned document: every commit
// writes a new version in a single transaction, so a partially written
// snapshot is never observable as current state.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelworks/sprintd/internal/sprint"
	_ "modernc.org/sqlite"
)

// ErrSprintNotFound is returned when the sprint has no persisted snapshot.
var ErrSprintNotFound = errors.New("sprint not found")

// AuditEntry is one row of the append-only audit trail. Every corrective
// action the engine takes is explainable from these rows plus the
// snapshot history.
type AuditEntry struct {
	SprintID  string
	Iteration int
	Kind      string
	Detail    string
	Rationale string
	At        time.Time
}

// Store defines the persistence interface for snapshots and audit rows.
type Store interface {
	// Create persists the initial snapshot of a new sprint.
	Create(ctx context.Context, snap *sprint.Snapshot) error

	// Load returns the latest snapshot version for a sprint.
	Load(ctx context.Context, sprintID string) (*sprint.Snapshot, error)

	// Apply validates and applies mutations, persisting the resulting
	// snapshot version and its change records atomically. On validation
	// failure the rejection is audited and the prior snapshot returned
	// unchanged with the error.
	Apply(ctx context.Context, snap *sprint.Snapshot, muts ...sprint.Mutation) (*sprint.Snapshot, error)

	// Audit appends a standalone audit entry (error taxonomy events,
	// override rationales).
	Audit(ctx context.Context, entry AuditEntry) error

	// Trail returns the most recent audit entries for a sprint, newest
	// first, up to limit (0 = all).
	Trail(ctx context.Context, sprintID string, limit int) ([]AuditEntry, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy
// timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		sprint_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (sprint_id, version)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sprint_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		rationale TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_sprint ON audit_log(sprint_id, id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create persists the initial snapshot of a new sprint.
func (s *SQLiteStore) Create(ctx context.Context, snap *sprint.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (sprint_id, version, doc)
		VALUES (?, ?, ?)
	`, snap.SprintID, snap.Version, string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for a sprint.
func (s *SQLiteStore) Load(ctx context.Context, sprintID string) (*sprint.Snapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc
		FROM snapshots
		WHERE sprint_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, sprintID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSprintNotFound, sprintID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var snap sprint.Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Apply runs the mutation batch and persists the new snapshot version and
// its change records in one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, snap *sprint.Snapshot, muts ...sprint.Mutation) (*sprint.Snapshot, error) {
	next, changes, err := sprint.Apply(snap, muts...)
	if err != nil {
		// Rejected batches leave state untouched but never disappear
		// silently.
		_ = s.Audit(ctx, AuditEntry{
			SprintID:  snap.SprintID,
			Iteration: iterationOf(snap),
			Kind:      "mutation_rejected",
			Detail:    err.Error(),
		})
		return snap, err
	}
	if next == snap {
		return snap, nil
	}

	doc, err := json.Marshal(next)
	if err != nil {
		return snap, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return snap, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (sprint_id, version, doc)
		VALUES (?, ?, ?)
	`, next.SprintID, next.Version, string(doc)); err != nil {
		return snap, fmt.Errorf("failed to insert snapshot version %d: %w", next.Version, err)
	}

	iter := iterationOf(next)
	for _, ch := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (sprint_id, iteration, kind, detail)
			VALUES (?, ?, ?, ?)
		`, next.SprintID, iter, ch.Kind, ch.Detail); err != nil {
			return snap, fmt.Errorf("failed to insert audit row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return snap, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// Audit appends a standalone audit entry.
func (s *SQLiteStore) Audit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (sprint_id, iteration, kind, detail, rationale)
		VALUES (?, ?, ?, ?, ?)
	`, entry.SprintID, entry.Iteration, entry.Kind, entry.Detail, entry.Rationale)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Trail returns the most recent audit entries, newest first.
func (s *SQLiteStore) Trail(ctx context.Context, sprintID string, limit int) ([]AuditEntry, error) {
	query := `
		SELECT iteration, kind, detail, rationale, created_at
		FROM audit_log
		WHERE sprint_id = ?
		ORDER BY id DESC
	`
	args := []any{sprintID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e := AuditEntry{SprintID: sprintID}
		var detail, rationale sql.NullString
		if err := rows.Scan(&e.Iteration, &e.Kind, &detail, &rationale, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Detail = detail.String
		e.Rationale = rationale.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit trail: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func iterationOf(snap *sprint.Snapshot) int {
	if it := snap.LastIteration(); it != nil {
		return it.N
	}
	return 0
}
