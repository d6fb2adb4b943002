// Package kbjob implements the job-queue primitive: a fixed pool of rows per
// path, each either free (valid=false), queued (valid=true, is_active=false),
// or active (valid=true, is_active=true).
package kbjob

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
	"github.com/glenn-edgar/kb-coordinator/internal/retry"
)

const component = observability.ComponentJobQueue

// Store operates a job-queue pool backed by table.
type Store struct {
	Pool  kbstore.Pool
	Table string
}

// New constructs a Store over pool, targeting table.
func New(pool kbstore.Pool, table string) *Store {
	return &Store{Pool: pool, Table: table}
}

func (s *Store) escapedTable() (string, error) {
	return kbstore.EscapeIdentifier(s.Table)
}

func startSpan(ctx domain.Context, name, table, op string) (domain.Context, func()) {
	tracer := otel.Tracer("kbjob")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	observability.LoggerFromContext(ctx).Debug(name, slog.String("table", table), slog.String("db.operation", op))
	return ctx, span.End
}

// CountQueued returns the number of valid (queued or active) slots for path.
func (s *Store) CountQueued(ctx domain.Context, path string) (int, error) {
	ctx, end := startSpan(ctx, "kbjob.CountQueued", s.Table, "SELECT")
	defer end()
	if path == "" {
		return 0, fmt.Errorf("op=kbjob.count_queued: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbjob.count_queued: %w: %w", domain.ErrInvalidArgument, err)
	}
	var count int
	q := "SELECT COUNT(*) FROM " + escTable + " WHERE path = $1 AND valid = TRUE"
	if err := s.Pool.QueryRow(ctx, q, path).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=kbjob.count_queued: %w", err)
	}
	return count, nil
}

// CountFree returns the number of free (valid=false) slots for path.
func (s *Store) CountFree(ctx domain.Context, path string) (int, error) {
	ctx, end := startSpan(ctx, "kbjob.CountFree", s.Table, "SELECT")
	defer end()
	if path == "" {
		return 0, fmt.Errorf("op=kbjob.count_free: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbjob.count_free: %w: %w", domain.ErrInvalidArgument, err)
	}
	var count int
	q := "SELECT COUNT(*) FROM " + escTable + " WHERE path = $1 AND valid = FALSE"
	if err := s.Pool.QueryRow(ctx, q, path).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=kbjob.count_free: %w", err)
	}
	return count, nil
}

// Peek claims the earliest-scheduled queued job for path, marking it active,
// and returns it. A nil *domain.JobRow with a nil error means no eligible
// job was waiting.
func (s *Store) Peek(ctx domain.Context, path string, policy domain.RetryPolicy) (*domain.JobRow, error) {
	ctx, end := startSpan(ctx, "kbjob.Peek", s.Table, "UPDATE")
	defer end()
	if path == "" {
		return nil, fmt.Errorf("op=kbjob.peek: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return nil, fmt.Errorf("op=kbjob.peek: %w: %w", domain.ErrInvalidArgument, err)
	}

	findQ := "SELECT id, data, schedule_at FROM " + escTable +
		" WHERE path = $1 AND valid = TRUE AND is_active = FALSE AND (schedule_at IS NULL OR schedule_at <= NOW()) " +
		"ORDER BY schedule_at ASC NULLS FIRST FOR UPDATE SKIP LOCKED LIMIT 1"
	updateQ := "UPDATE " + escTable + " SET started_at = NOW(), is_active = TRUE WHERE id = $1 AND is_active = FALSE AND valid = TRUE RETURNING id, started_at"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffJobAcquire,
		Component:  component,
		Operation:  "Peek",
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (*domain.JobRow, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return nil, retry.Fatal, fmt.Errorf("op=kbjob.peek.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var row domain.JobRow
		row.Path = path
		err = tx.QueryRow(ctx, findQ, path).Scan(&row.ID, &row.Data, &row.ScheduleAt)
		if err == pgx.ErrNoRows {
			if err := tx.Commit(ctx); err != nil {
				return nil, retry.Fatal, fmt.Errorf("op=kbjob.peek.commit_empty: %w", err)
			}
			committed = true
			return nil, retry.Success, nil
		}
		if err != nil {
			return nil, retry.Fatal, fmt.Errorf("op=kbjob.peek.find: %w", err)
		}

		var startedAt time.Time
		if err := tx.QueryRow(ctx, updateQ, row.ID).Scan(&row.ID, &startedAt); err != nil {
			if err == pgx.ErrNoRows {
				// Lost the race after SKIP LOCKED handed us a row someone
				// else claimed first; retry the whole attempt.
				return nil, retry.Transient, fmt.Errorf("op=kbjob.peek.update: lost race for job %d", row.ID)
			}
			return nil, retry.Fatal, fmt.Errorf("op=kbjob.peek.update: %w", err)
		}
		row.StartedAt = &startedAt
		row.IsActive = true
		row.Valid = true

		if err := tx.Commit(ctx); err != nil {
			return nil, retry.Fatal, fmt.Errorf("op=kbjob.peek.commit: %w", err)
		}
		committed = true
		return &row, retry.Success, nil
	})
}

// Complete marks jobID completed: valid and is_active both go false. A
// missing id is fatal, not retried — the original treats "no row" the same
// as any other update failure.
func (s *Store) Complete(ctx domain.Context, jobID int64, policy domain.RetryPolicy) error {
	ctx, end := startSpan(ctx, "kbjob.Complete", s.Table, "UPDATE")
	defer end()
	if jobID <= 0 {
		return fmt.Errorf("op=kbjob.complete: %w: job_id must be positive", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return fmt.Errorf("op=kbjob.complete: %w: %w", domain.ErrInvalidArgument, err)
	}

	lockQ := "SELECT id FROM " + escTable + " WHERE id = $1 FOR UPDATE NOWAIT"
	updateQ := "UPDATE " + escTable + " SET completed_at = NOW(), valid = FALSE, is_active = FALSE WHERE id = $1 RETURNING id, completed_at"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "Complete",
	}

	_, err = retry.Do(ctx, retryPolicy, func(ctx domain.Context) (struct{}, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.complete.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var lockedID int64
		err = tx.QueryRow(ctx, lockQ, jobID).Scan(&lockedID)
		if err == pgx.ErrNoRows {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.complete: %w: no job with id %d", domain.ErrNotFound, jobID)
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return struct{}{}, retry.Transient, err
			}
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.complete.lock: %w", err)
		}

		var completedID int64
		var completedAt any
		if err := tx.QueryRow(ctx, updateQ, jobID).Scan(&completedID, &completedAt); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.complete: %w: update failed for job %d: %w", domain.ErrNotFound, jobID, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.complete.commit: %w", err)
		}
		committed = true
		return struct{}{}, retry.Success, nil
	})
	return err
}

// Push writes data into the oldest free slot for path, marking it queued.
// ErrNoFreeSlot means every slot for path is currently valid.
func (s *Store) Push(ctx domain.Context, path, data string, policy domain.RetryPolicy) error {
	ctx, end := startSpan(ctx, "kbjob.Push", s.Table, "UPDATE")
	defer end()
	if path == "" {
		return fmt.Errorf("op=kbjob.push: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	if data == "" {
		return fmt.Errorf("op=kbjob.push: %w: data must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return fmt.Errorf("op=kbjob.push: %w: %w", domain.ErrInvalidArgument, err)
	}

	selectQ := "SELECT id FROM " + escTable + " WHERE path = $1 AND valid = FALSE ORDER BY completed_at ASC FOR UPDATE NOWAIT LIMIT 1"
	updateQ := "UPDATE " + escTable + " SET data = $1, schedule_at = timezone('UTC', NOW()), started_at = NULL, completed_at = NULL, valid = TRUE, is_active = FALSE WHERE id = $2 RETURNING id"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "Push",
	}

	_, err = retry.Do(ctx, retryPolicy, func(ctx domain.Context) (struct{}, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.push.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var id int64
		err = tx.QueryRow(ctx, selectQ, path).Scan(&id)
		if err == pgx.ErrNoRows {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.push: %w: no free slot for path %q", domain.ErrNoFreeSlot, path)
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return struct{}{}, retry.Transient, err
			}
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.push.select: %w", err)
		}

		if _, err := tx.Exec(ctx, updateQ, data, id); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.push.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbjob.push.commit: %w", err)
		}
		committed = true
		return struct{}{}, retry.Success, nil
	})
	return err
}

// Clear resets every slot for path to free, under an exclusive table lock.
func (s *Store) Clear(ctx domain.Context, path string) error {
	ctx, end := startSpan(ctx, "kbjob.Clear", s.Table, "UPDATE")
	defer end()
	if path == "" {
		return fmt.Errorf("op=kbjob.clear: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return fmt.Errorf("op=kbjob.clear: %w: %w", domain.ErrInvalidArgument, err)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=kbjob.clear.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, "LOCK TABLE "+escTable+" IN EXCLUSIVE MODE"); err != nil {
		return fmt.Errorf("op=kbjob.clear.lock_table: %w", err)
	}

	updateQ := "UPDATE " + escTable + " SET schedule_at = NOW(), started_at = NOW(), completed_at = NOW(), is_active = FALSE, valid = FALSE, data = '{}' WHERE path = $1"
	if _, err := tx.Exec(ctx, updateQ, path); err != nil {
		return fmt.Errorf("op=kbjob.clear.update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=kbjob.clear.commit: %w", err)
	}
	committed = true
	return nil
}
