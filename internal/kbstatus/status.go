// Package kbstatus implements the status-cell primitive: one row per path
// holding the latest value written to it, read with Get and written with an
// upsert-and-retry Set.
package kbstatus

import (
	"errors"
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

const component = observability.ComponentStatus

// Store reads and writes status cells backed by table.
type Store struct {
	Pool  kbstore.Pool
	Table string
}

// New constructs a Store over pool, targeting table.
func New(pool kbstore.Pool, table string) *Store {
	return &Store{Pool: pool, Table: table}
}

// Get returns the current value stored at path.
func (s *Store) Get(ctx domain.Context, path string) (string, error) {
	tracer := otel.Tracer("kbstatus")
	ctx, span := tracer.Start(ctx, "kbstatus.Get")
	defer span.End()

	if path == "" {
		return "", fmt.Errorf("op=kbstatus.get: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := kbstore.EscapeIdentifier(s.Table)
	if err != nil {
		return "", fmt.Errorf("op=kbstatus.get: %w: %w", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", s.Table),
	)

	var data string
	q := "SELECT data FROM " + escTable + " WHERE path = $1 LIMIT 1"
	err = s.Pool.QueryRow(ctx, q, path).Scan(&data)
	if err != nil {
		observability.LoggerFromContext(ctx).Debug("status read failed", slog.String("path", path), slog.Any("error", err))
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=kbstatus.get: %w: %w", domain.ErrNotFound, err)
		}
		return "", fmt.Errorf("op=kbstatus.get: %w", err)
	}
	observability.LoggerFromContext(ctx).Debug("status read ok", slog.String("path", path))
	return data, nil
}

// Set upserts data at path, retrying transient failures under policy's
// serializable backoff curve. It reports whether the row was inserted or
// updated via the RETURNING (xmax = 0) idiom.
func (s *Store) Set(ctx domain.Context, path, data string, policy domain.RetryPolicy) (domain.StatusOutcome, error) {
	tracer := otel.Tracer("kbstatus")
	ctx, span := tracer.Start(ctx, "kbstatus.Set")
	defer span.End()

	if path == "" {
		return "", fmt.Errorf("op=kbstatus.set: %w: path must not be empty", domain.ErrInvalidArgument)
	}
	if data == "" {
		return "", fmt.Errorf("op=kbstatus.set: %w: data must not be empty", domain.ErrInvalidArgument)
	}
	escTable, err := kbstore.EscapeIdentifier(s.Table)
	if err != nil {
		return "", fmt.Errorf("op=kbstatus.set: %w: %w", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", s.Table),
	)

	q := "INSERT INTO " + escTable + " (path, data) VALUES ($1, $2) " +
		"ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data " +
		"RETURNING path, (xmax = 0) AS was_inserted"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffSerializable,
		Component:  component,
		Operation:  "Set",
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (domain.StatusOutcome, retry.Outcome, error) {
		var returnedPath string
		var wasInserted bool
		err := s.Pool.QueryRow(ctx, q, path, data).Scan(&returnedPath, &wasInserted)
		if err == nil {
			if wasInserted {
				return domain.StatusInserted, retry.Success, nil
			}
			return domain.StatusUpdated, retry.Success, nil
		}
		if kbstore.IsTransient(err) {
			return "", retry.Transient, err
		}
		return "", retry.Fatal, fmt.Errorf("op=kbstatus.set: %w", err)
	})
}
