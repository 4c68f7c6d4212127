// Package localstore provides the client-side durable store for fieldsync.
//
// One SQLite database holds three things: the entity records the UI reads and
// writes, the outbox of pending mutations awaiting delivery to the backend,
// and the reconciliation cursor. Keeping all three in the same database is
// load-bearing: a local write and its outbox enqueue commit in a single
// transaction, so a mutation can never be applied locally without being
// queued for remote delivery, and vice versa.
//
// The database runs in WAL mode for concurrent reads during writes, using
// the ncruces/go-sqlite3 embedded driver.
package localstore

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

// ErrNotFound is returned when a requested record does not exist locally.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection holding records, outbox, and cursor.
type Store struct {
	conn *sql.DB
	path string

	// CoalesceWindow bounds how old a pending operation may be and still
	// absorb a newer mutation to the same entity. Zero disables coalescing.
	CoalesceWindow time.Duration
}

// Open creates a new local store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads and
// the schema is created if missing. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := localstore.Open(".fieldsync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
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

	s := &Store{
		conn:           conn,
		path:           path,
		CoalesceWindow: 10 * time.Second,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
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

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
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

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
//
// Timestamps are stored as integer unix nanoseconds so that last-writer-wins
// comparisons happen numerically in SQL, never by string comparison.
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

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at INTEGER NOT NULL,
		dispatched_at INTEGER,
		fail_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(kind, entity_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Write applies a local mutation: it upserts the record into the local
// records table AND enqueues the corresponding outbox operation, in one
// transaction. If either half fails the whole write fails and nothing is
// recorded.
//
// Returns the operation id of the queued mutation. When the mutation was
// coalesced into a still-pending operation on the same entity, the returned
// id is that existing operation's id.
func (s *Store) Write(ctx context.Context, rec *record.Record, action record.Action) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("invalid record: %w", err)
	}
	if !action.Valid() {
		return "", fmt.Errorf("invalid action %d", int(action))
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecordTx(ctx, tx, rec); err != nil {
		return "", err
	}

	opID, err := s.enqueueTx(ctx, tx, rec, action)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit write: %w", err)
	}

	return opID, nil
}

// upsertRecordTx writes the record unconditionally; local writes always win
// over what the local store currently holds.
func upsertRecordTx(ctx context.Context, tx *sql.Tx, rec *record.Record) error {
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
	`

	_, err := tx.ExecContext(ctx, query,
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

// ApplyRemote merges a server-originated record into the local store using
// last-writer-wins: the incoming record overwrites the local copy only when
// its UpdatedAt is strictly newer. Nothing is enqueued - remote state is
// already authoritative.
//
// Returns true if the local row was created or updated.
func (s *Store) ApplyRemote(ctx context.Context, rec *record.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid record: %w", err)
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

	res, err := s.conn.ExecContext(ctx, query,
		rec.Kind.String(),
		rec.ID,
		rec.OwnerID,
		string(fields),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote record %s: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Get retrieves a single record by kind and id.
// Returns ErrNotFound if the record does not exist.
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

// List retrieves all records of a kind belonging to an owner, ordered by
// updated_at ascending.
func (s *Store) List(ctx context.Context, ownerID string, kind record.Kind) ([]*record.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", record.ErrUnknownKind, int(kind))
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT kind, id, owner_id, fields, updated_at
		FROM records
		WHERE owner_id = ? AND kind = ?
		ORDER BY updated_at ASC
	`, ownerID, kind.String())
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

// scanner covers both *sql.Row and *sql.Rows.
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

const cursorKey = "cursor"

// Cursor returns the timestamp of the last successful reconciliation pull.
// Returns the zero time on first run.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, cursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cursor %q: %w", value, err)
	}
	return t, nil
}

// SetCursor persists the reconciliation cursor. Called only after a fully
// successful pull pass.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cursorKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
