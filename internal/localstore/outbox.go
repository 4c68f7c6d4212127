package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pocketledger/fieldsync/internal/record"
)

// OpStatus is the lifecycle state of an outbox operation.
type OpStatus string

const (
	// StatusPending means the operation is waiting to be dispatched.
	StatusPending OpStatus = "pending"

	// StatusInFlight means a drain cycle has picked the operation up and
	// the backend request is outstanding.
	StatusInFlight OpStatus = "in_flight"

	// StatusFailed means the operation was rejected permanently and is out
	// of the retry path until manually resurrected with RetryFailed.
	StatusFailed OpStatus = "failed"
)

// Operation is one pending mutation in the outbox.
type Operation struct {
	// Seq is the queue position; operations on the same entity are
	// dispatched in Seq order.
	Seq int64

	// OpID uniquely identifies this queue entry.
	OpID string

	// Kind is the entity collection the operation targets.
	Kind record.Kind

	// Action is create or update.
	Action record.Action

	// EntityID is the client-assigned id of the targeted entity.
	EntityID string

	// Payload is the entity snapshot taken at enqueue time.
	Payload record.Record

	EnqueuedAt    time.Time
	AttemptCount  int
	Status        OpStatus
	NextAttemptAt time.Time
	FailReason    string
}

// Stats summarizes the outbox by status.
type Stats struct {
	Pending  int
	InFlight int
	Failed   int
}

// enqueueTx records the mutation in the outbox inside the caller's
// transaction.
//
// Coalescing: if a still-pending operation on the same entity was enqueued
// within the coalesce window, its payload and enqueue time are replaced in
// place instead of appending a second operation. The existing operation
// keeps its action and queue position, so a create followed by rapid edits
// is delivered once, as a create carrying the final state.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, rec *record.Record, action record.Action) (string, error) {
	now := time.Now().UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", rec.ID, err)
	}

	if s.CoalesceWindow > 0 {
		var (
			opID       string
			enqueuedNs int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT op_id, enqueued_at FROM outbox
			WHERE kind = ? AND entity_id = ? AND status = ?
			ORDER BY seq DESC LIMIT 1
		`, rec.Kind.String(), rec.ID, string(StatusPending)).Scan(&opID, &enqueuedNs)
		switch {
		case err == nil:
			if now.Sub(time.Unix(0, enqueuedNs)) <= s.CoalesceWindow {
				_, err := tx.ExecContext(ctx, `
					UPDATE outbox SET payload = ?, enqueued_at = ? WHERE op_id = ?
				`, string(payload), now.UnixNano(), opID)
				if err != nil {
					return "", fmt.Errorf("failed to coalesce into operation %s: %w", opID, err)
				}
				return opID, nil
			}
		case err != sql.ErrNoRows:
			return "", fmt.Errorf("failed to look up coalesce candidate: %w", err)
		}
	}

	opID := record.NewID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (op_id, kind, action, entity_id, payload, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, opID, rec.Kind.String(), action.String(), rec.ID, string(payload), now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation for %s: %w", rec.ID, err)
	}

	return opID, nil
}

// NextBatch selects up to limit dispatchable operations in enqueue order and
// marks them in-flight, incrementing their attempt count.
//
// An operation is dispatchable when it is pending, its backoff delay has
// elapsed, and no earlier operation on the same entity is being held back -
// a held-back predecessor (backing off, in flight, or permanently failed)
// blocks every later operation on that entity so an update can never
// overtake its create.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]*Operation, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, op_id, kind, action, entity_id, payload,
		       enqueued_at, attempt_count, status, next_attempt_at, fail_reason
		FROM outbox
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	var batch []*Operation
	blocked := make(map[string]bool) // kind/entity pairs with a held-back predecessor
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}

		key := op.Kind.String() + "/" + op.EntityID
		eligible := op.Status == StatusPending &&
			!op.NextAttemptAt.After(now) &&
			!blocked[key] &&
			len(batch) < limit

		if !eligible {
			blocked[key] = true
			continue
		}
		batch = append(batch, op)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	rows.Close()

	for _, op := range batch {
		op.Status = StatusInFlight
		op.AttemptCount++
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox
			SET status = ?, attempt_count = attempt_count + 1, dispatched_at = ?
			WHERE op_id = ?
		`, string(StatusInFlight), now.UnixNano(), op.OpID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark operation %s in flight: %w", op.OpID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch selection: %w", err)
	}

	return batch, nil
}

// MarkSucceeded removes an acknowledged operation from the queue.
func (s *Store) MarkSucceeded(ctx context.Context, opID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", opID, err)
	}
	return nil
}

// MarkRetry returns an operation to pending after a transient failure,
// scheduling the next attempt at retryAt.
func (s *Store) MarkRetry(ctx context.Context, opID, reason string, retryAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, next_attempt_at = ?, fail_reason = ?
		WHERE op_id = ?
	`, string(StatusPending), retryAt.UnixNano(), reason, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s for retry: %w", opID, err)
	}
	return nil
}

// MarkFailed flags an operation permanently failed. The operation stays in
// the outbox, out of the retry path, so it can be surfaced for user-visible
// correction and manually resurrected with RetryFailed.
func (s *Store) MarkFailed(ctx context.Context, opID, reason string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, fail_reason = ? WHERE op_id = ?
	`, string(StatusFailed), reason, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s failed: %w", opID, err)
	}
	return nil
}

// RetryFailed resurrects a permanently failed operation: back to pending,
// attempt count reset, eligible immediately.
func (s *Store) RetryFailed(ctx context.Context, opID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempt_count = 0, next_attempt_at = ?, fail_reason = NULL
		WHERE op_id = ? AND status = ?
	`, string(StatusPending), time.Now().UTC().UnixNano(), opID, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to retry operation %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s is not in failed state", opID)
	}
	return nil
}

// ResetStuck is the watchdog: operations left in-flight longer than
// olderThan (a crashed or timed-out drain) go back to pending so they are
// retried rather than stranded. Returns the number of operations reset.
func (s *Store) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?
		WHERE status = ? AND dispatched_at <= ?
	`, string(StatusPending), string(StatusInFlight), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// FailedOps returns permanently failed operations, oldest first, for
// user-visible correction.
func (s *Store) FailedOps(ctx context.Context) ([]*Operation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, op_id, kind, action, entity_id, payload,
		       enqueued_at, attempt_count, status, next_attempt_at, fail_reason
		FROM outbox
		WHERE status = ?
		ORDER BY seq ASC
	`, string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed operations: %w", err)
	}
	return ops, nil
}

// OutboxStats counts outbox operations by status.
func (s *Store) OutboxStats(ctx context.Context) (Stats, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch OpStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusInFlight:
			stats.InFlight = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating stats: %w", err)
	}
	return stats, nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var (
		op           Operation
		kindStr      string
		actionStr    string
		payload      string
		enqueuedNs   int64
		statusStr    string
		nextNs       int64
		failReason   sql.NullString
	)
	err := rows.Scan(&op.Seq, &op.OpID, &kindStr, &actionStr, &op.EntityID,
		&payload, &enqueuedNs, &op.AttemptCount, &statusStr, &nextNs, &failReason)
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	kind, err := record.ParseKind(kindStr)
	if err != nil {
		return nil, fmt.Errorf("stored operation %s has %w", op.OpID, err)
	}
	op.Kind = kind

	action, err := record.ParseAction(actionStr)
	if err != nil {
		return nil, fmt.Errorf("stored operation %s has %w", op.OpID, err)
	}
	op.Action = action

	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", op.OpID, err)
	}

	op.EnqueuedAt = time.Unix(0, enqueuedNs).UTC()
	op.Status = OpStatus(statusStr)
	op.NextAttemptAt = time.Unix(0, nextNs).UTC()
	op.FailReason = failReason.String
	return &op, nil
}
