// Package kbstream implements the stream-ring primitive: a fixed pool of
// pre-allocated rows per path that Push always overwrites at the oldest
// slot, picked via FOR UPDATE SKIP LOCKED so concurrent writers never
// collide on the same row.
package kbstream

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
	"github.com/glenn-edgar/kb-coordinator/internal/retry"
)

const component = observability.ComponentStream

// Store pushes data into a pre-allocated stream ring backed by table.
type Store struct {
	Pool  kbstore.Pool
	Table string
}

// New constructs a Store over pool, targeting table.
func New(pool kbstore.Pool, table string) *Store {
	return &Store{Pool: pool, Table: table}
}

// Push overwrites the oldest slot for path with data, retrying lock
// contention under a linear backoff. Pushing against a path with zero
// pre-allocated rows fails immediately with ErrPreconditionNotMet: rows must
// be provisioned ahead of time, Push never creates one.
func (s *Store) Push(ctx domain.Context, path, data string, policy domain.RetryPolicy) error {
	tracer := otel.Tracer("kbstream")
	ctx, span := tracer.Start(ctx, "kbstream.Push")
	defer span.End()

	if path == "" {
		return fmt.Errorf("op=kbstream.push: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := kbstore.EscapeIdentifier(s.Table)
	if err != nil {
		return fmt.Errorf("op=kbstream.push: %w: %w", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", s.Table),
	)
	observability.LoggerFromContext(ctx).Debug("kbstream.Push", slog.String("path", path))

	var count int
	countQ := "SELECT COUNT(*) FROM " + escTable + " WHERE path = $1"
	if err := s.Pool.QueryRow(ctx, countQ, path).Scan(&count); err != nil {
		return fmt.Errorf("op=kbstream.push.count: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("op=kbstream.push: %w: no rows pre-allocated for path %q", domain.ErrPreconditionNotMet, path)
	}

	selectQ := "SELECT id FROM " + escTable + " WHERE path = $1 ORDER BY recorded_at ASC FOR UPDATE SKIP LOCKED LIMIT 1"
	updateQ := "UPDATE " + escTable + " SET data = $1, recorded_at = NOW(), valid = TRUE WHERE id = $2 RETURNING id"

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
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbstream.push.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var id int64
		if err := tx.QueryRow(ctx, selectQ, path).Scan(&id); err != nil {
			if err == pgx.ErrNoRows {
				return struct{}{}, retry.Transient, fmt.Errorf("op=kbstream.push.select: no row available for path %q", path)
			}
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbstream.push.select: %w", err)
		}

		if _, err := tx.Exec(ctx, updateQ, data, id); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbstream.push.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbstream.push.commit: %w", err)
		}
		committed = true
		return struct{}{}, retry.Success, nil
	})
	return err
}
