// Package store provides the backend's authoritative record store.
//
// The store is a SQLite database (WAL mode, ncruces/go-sqlite3 embedded
// driver) keyed by (kind, client-assigned id). Every write is an atomic
// last-writer-wins upsert: redelivering an already-applied mutation produces
// the same final state and never moves updated_at backwards, which is the
// idempotency contract the dispatcher's at-least-once delivery relies on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pocketledger/fieldsync/internal/record"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the authoritative SQLite database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates the authoritative store at the specified path.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the schema if missing. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id, kind);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(kind, updated_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert applies a record with last-writer-wins semantics, atomically per
// (kind, id). A record whose UpdatedAt is not newer than the stored row
// leaves the row untouched; that is still a successful, idempotent apply.
func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fields := rec.Fields
	if len(fields) == 0 {
		fields = json.RawMessage("{}")
	}

	query := `
	INSERT INTO records (kind, id, owner_id, fields, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		owner_id = excluded.owner_id,
		fields = excluded.fields,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at > records.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.Kind.String(),
		rec.ID,
		rec.OwnerID,
		string(fields),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a single record. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, kind record.Kind, id string) (*record.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", record.ErrUnknownKind, int(kind))
	}

	row := s.conn.QueryRowContext(ctx, `
		SELECT kind, id, owner_id, fields, updated_at
		FROM records WHERE kind = ? AND id = ?
	`, kind.String(), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSince returns an owner's records of a kind with updated_at strictly
// after since, ordered by updated_at ascending. This backs the pull API.
func (s *Store) ListSince(ctx context.Context, kind record.Kind, ownerID string, since time.Time) ([]*record.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", record.ErrUnknownKind, int(kind))
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT kind, id, owner_id, fields, updated_at
		FROM records
		WHERE kind = ? AND owner_id = ? AND updated_at > ?
		ORDER BY updated_at ASC
	`, kind.String(), ownerID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// Count returns the total number of stored records across all kinds.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.Record, error) {
	var (
		kindStr   string
		rec       record.Record
		fields    string
		updatedNs int64
	)
	if err := row.Scan(&kindStr, &rec.ID, &rec.OwnerID, &fields, &updatedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	kind, err := record.ParseKind(kindStr)
	if err != nil {
		return nil, fmt.Errorf("stored record has %w", err)
	}
	rec.Kind = kind
	rec.Fields = json.RawMessage(fields)
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &rec, nil
}
