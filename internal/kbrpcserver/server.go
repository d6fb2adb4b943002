// Package kbrpcserver implements the RPC server-queue primitive: a
// pre-allocated pool of slots per server_path cycling through
// empty -> new_job -> processing -> empty, guarded by an advisory lock on
// push so concurrent callers never race for the same empty slot.
package kbrpcserver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kb"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
	"github.com/glenn-edgar/kb-coordinator/internal/retry"
)

const component = observability.ComponentRPCServer

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Store operates an RPC server-queue pool backed by table.
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
	tracer := otel.Tracer("kbrpcserver")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	observability.LoggerFromContext(ctx).Debug(name, slog.String("table", table), slog.String("db.operation", op))
	return ctx, span.End
}

// PushServerJobRequest is the validated input to Push.
type PushServerJobRequest struct {
	ServerPath     string `validate:"required"`
	RequestID      string
	RPCAction      string `validate:"required"`
	RequestPayload string `validate:"required"`
	TransactionTag string `validate:"required"`
	Priority       int
	RPCClientQueue string
}

func (r PushServerJobRequest) validate() (requestID string, err error) {
	if err := getValidator().Struct(r); err != nil {
		return "", fmt.Errorf("op=kbrpcserver.push: %w: %w", domain.ErrInvalidArgument, err)
	}
	if !kb.ValidatePath(r.ServerPath) {
		return "", fmt.Errorf("op=kbrpcserver.push: %w: server_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, r.ServerPath)
	}
	if r.RPCClientQueue != "" && !kb.ValidatePath(r.RPCClientQueue) {
		return "", fmt.Errorf("op=kbrpcserver.push: %w: rpc_client_queue %q is not a valid hierarchical path", domain.ErrInvalidArgument, r.RPCClientQueue)
	}
	if r.RequestID == "" {
		return uuid.NewString(), nil
	}
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return "", fmt.Errorf("op=kbrpcserver.push: %w: request_id is not a valid UUID: %w", domain.ErrInvalidArgument, err)
	}
	return r.RequestID, nil
}

// Push claims the highest-priority empty slot for req.ServerPath under an
// advisory transactional lock keyed on (table, server_path), so concurrent
// pushes against the same path serialize instead of racing for the same row.
func (s *Store) Push(ctx domain.Context, req PushServerJobRequest, policy domain.RetryPolicy) (domain.RPCServerRow, error) {
	ctx, end := startSpan(ctx, "kbrpcserver.Push", s.Table, "UPDATE")
	defer end()

	requestID, err := req.validate()
	if err != nil {
		return domain.RPCServerRow{}, err
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return domain.RPCServerRow{}, fmt.Errorf("op=kbrpcserver.push: %w: %w", domain.ErrInvalidArgument, err)
	}
	lockKey := djb2Hash(s.Table + ":" + req.ServerPath)

	selectQ := "SELECT id FROM " + escTable + " WHERE server_path = $1 AND state = 'empty' " +
		"ORDER BY priority DESC, request_timestamp ASC FOR UPDATE LIMIT 1"
	updateQ := "UPDATE " + escTable + " SET server_path = $1, request_id = $2, rpc_action = $3, " +
		"request_payload = $4, transaction_tag = $5, priority = $6, rpc_client_queue = $7, " +
		"state = 'new_job', request_timestamp = NOW() AT TIME ZONE 'UTC', completed_timestamp = NULL " +
		"WHERE id = $8 RETURNING id, server_path, request_id, rpc_action, request_payload, " +
		"request_timestamp, transaction_tag, state, priority, processing_timestamp, completed_timestamp, rpc_client_queue"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffSerializable,
		Component:  component,
		Operation:  "Push",
	}

	var clientQueue any
	if req.RPCClientQueue != "" {
		clientQueue = req.RPCClientQueue
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (domain.RPCServerRow, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push.advisory_lock: %w", err)
		}

		var id int64
		err = tx.QueryRow(ctx, selectQ, req.ServerPath).Scan(&id)
		if err == pgx.ErrNoRows {
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push: %w: no empty slot for server_path %q", domain.ErrNoEmptySlot, req.ServerPath)
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return domain.RPCServerRow{}, retry.Transient, err
			}
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push.select: %w", err)
		}

		var row domain.RPCServerRow
		err = tx.QueryRow(ctx, updateQ, req.ServerPath, requestID, req.RPCAction, req.RequestPayload,
			req.TransactionTag, req.Priority, clientQueue, id).Scan(
			&row.ID, &row.ServerPath, &row.RequestID, &row.RPCAction, &row.RequestPayload,
			&row.RequestTimestamp, &row.TransactionTag, &row.State, &row.Priority,
			&row.ProcessingTimestamp, &row.CompletedTimestamp, &row.RPCClientQueue,
		)
		if err != nil {
			if kbstore.IsTransient(err) {
				return domain.RPCServerRow{}, retry.Transient, err
			}
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return domain.RPCServerRow{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.push.commit: %w", err)
		}
		committed = true
		return row, retry.Success, nil
	})
}

// Peek claims the highest-priority new_job slot for serverPath, transitions
// it to processing, and returns the row as loaded at selection time. A false
// bool with a nil error means nothing was waiting.
func (s *Store) Peek(ctx domain.Context, serverPath string, policy domain.RetryPolicy) (domain.RPCServerRow, bool, error) {
	ctx, end := startSpan(ctx, "kbrpcserver.Peek", s.Table, "UPDATE")
	defer end()
	if !kb.ValidatePath(serverPath) {
		return domain.RPCServerRow{}, false, fmt.Errorf("op=kbrpcserver.peek: %w: server_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, serverPath)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return domain.RPCServerRow{}, false, fmt.Errorf("op=kbrpcserver.peek: %w: %w", domain.ErrInvalidArgument, err)
	}

	selectQ := "SELECT id, server_path, request_id, rpc_action, request_payload, request_timestamp, " +
		"transaction_tag, state, priority, processing_timestamp, completed_timestamp, rpc_client_queue FROM " +
		escTable + " WHERE server_path = $1 AND state = 'new_job' " +
		"ORDER BY priority DESC, request_timestamp ASC FOR UPDATE SKIP LOCKED LIMIT 1"
	updateQ := "UPDATE " + escTable + " SET state = 'processing', processing_timestamp = NOW() AT TIME ZONE 'UTC' WHERE id = $1 RETURNING id"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffSerializable,
		Component:  component,
		Operation:  "Peek",
	}

	type result struct {
		row   domain.RPCServerRow
		found bool
	}

	res, err := retry.Do(ctx, retryPolicy, func(ctx domain.Context) (result, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.peek.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var row domain.RPCServerRow
		err = tx.QueryRow(ctx, selectQ, serverPath).Scan(
			&row.ID, &row.ServerPath, &row.RequestID, &row.RPCAction, &row.RequestPayload,
			&row.RequestTimestamp, &row.TransactionTag, &row.State, &row.Priority,
			&row.ProcessingTimestamp, &row.CompletedTimestamp, &row.RPCClientQueue,
		)
		if err == pgx.ErrNoRows {
			if err := tx.Commit(ctx); err != nil {
				return result{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.peek.commit_empty: %w", err)
			}
			committed = true
			return result{}, retry.Success, nil
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return result{}, retry.Transient, err
			}
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.peek.select: %w", err)
		}

		var updatedID int64
		if err := tx.QueryRow(ctx, updateQ, row.ID).Scan(&updatedID); err != nil {
			if kbstore.IsTransient(err) {
				return result{}, retry.Transient, err
			}
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.peek.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcserver.peek.commit: %w", err)
		}
		committed = true
		return result{row: row, found: true}, retry.Success, nil
	})
	return res.row, res.found, err
}

// MarkCompletion verifies jobID belongs to serverPath and is processing, then
// transitions it to empty. It never synthesizes completed_job: that state
// exists in the enumeration only for Count queries.
func (s *Store) MarkCompletion(ctx domain.Context, serverPath string, jobID int64, policy domain.RetryPolicy) (bool, error) {
	ctx, end := startSpan(ctx, "kbrpcserver.MarkCompletion", s.Table, "UPDATE")
	defer end()
	if !kb.ValidatePath(serverPath) {
		return false, fmt.Errorf("op=kbrpcserver.mark_completion: %w: server_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, serverPath)
	}
	if jobID <= 0 {
		return false, fmt.Errorf("op=kbrpcserver.mark_completion: %w: id must be positive", domain.ErrInvalidArgument)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return false, fmt.Errorf("op=kbrpcserver.mark_completion: %w: %w", domain.ErrInvalidArgument, err)
	}

	verifyQ := "SELECT id FROM " + escTable + " WHERE id = $1 AND server_path = $2 AND state = 'processing' FOR UPDATE"
	updateQ := "UPDATE " + escTable + " SET state = 'empty', completed_timestamp = NOW() AT TIME ZONE 'UTC' WHERE id = $1 RETURNING id"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffSerializable,
		Component:  component,
		Operation:  "MarkCompletion",
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (bool, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return false, retry.Fatal, fmt.Errorf("op=kbrpcserver.mark_completion.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var verifiedID int64
		err = tx.QueryRow(ctx, verifyQ, jobID, serverPath).Scan(&verifiedID)
		if err == pgx.ErrNoRows {
			if err := tx.Commit(ctx); err != nil {
				return false, retry.Fatal, fmt.Errorf("op=kbrpcserver.mark_completion.commit_false: %w", err)
			}
			committed = true
			return false, retry.Success, nil
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return false, retry.Transient, err
			}
			return false, retry.Fatal, fmt.Errorf("op=kbrpcserver.mark_completion.verify: %w", err)
		}

		var updatedID int64
		if err := tx.QueryRow(ctx, updateQ, jobID).Scan(&updatedID); err != nil {
			if kbstore.IsTransient(err) {
				return false, retry.Transient, err
			}
			return false, retry.Fatal, fmt.Errorf("op=kbrpcserver.mark_completion.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return false, retry.Fatal, fmt.Errorf("op=kbrpcserver.mark_completion.commit: %w", err)
		}
		committed = true
		return true, retry.Success, nil
	})
}

// Clear resets every slot for serverPath back to empty, under a per-row
// NOWAIT lock retried on lock contention rather than an exclusive table lock.
func (s *Store) Clear(ctx domain.Context, serverPath string, policy domain.RetryPolicy) (int64, error) {
	ctx, end := startSpan(ctx, "kbrpcserver.Clear", s.Table, "UPDATE")
	defer end()
	if !kb.ValidatePath(serverPath) {
		return 0, fmt.Errorf("op=kbrpcserver.clear: %w: server_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, serverPath)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbrpcserver.clear: %w: %w", domain.ErrInvalidArgument, err)
	}

	lockQ := "SELECT 1 FROM " + escTable + " WHERE server_path = $1 FOR UPDATE NOWAIT"
	updateQ := "UPDATE " + escTable + " SET request_id = gen_random_uuid(), request_payload = '{}', " +
		"completed_timestamp = CURRENT_TIMESTAMP AT TIME ZONE 'UTC', state = 'empty', rpc_client_queue = NULL " +
		"WHERE server_path = $1"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "Clear",
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (int64, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcserver.clear.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		rows, err := tx.Query(ctx, lockQ, serverPath)
		if err != nil {
			if kbstore.IsTransient(err) {
				return 0, retry.Transient, err
			}
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcserver.clear.lock: %w", err)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			if kbstore.IsTransient(err) {
				return 0, retry.Transient, err
			}
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcserver.clear.lock: %w", err)
		}

		tag, err := tx.Exec(ctx, updateQ, serverPath)
		if err != nil {
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcserver.clear.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcserver.clear.commit: %w", err)
		}
		committed = true
		return tag.RowsAffected(), retry.Success, nil
	})
}

// Count returns the number of serverPath slots in state, rejecting any
// state outside the four known values fast rather than silently
// returning zero.
func (s *Store) Count(ctx domain.Context, serverPath string, state domain.RPCServerState) (int64, error) {
	ctx, end := startSpan(ctx, "kbrpcserver.Count", s.Table, "SELECT")
	defer end()
	if !kb.ValidatePath(serverPath) {
		return 0, fmt.Errorf("op=kbrpcserver.count: %w: server_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, serverPath)
	}
	if !domain.ValidRPCServerStates[state] {
		return 0, fmt.Errorf("op=kbrpcserver.count: %w: unrecognized state %q", domain.ErrInvalidArgument, state)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbrpcserver.count: %w: %w", domain.ErrInvalidArgument, err)
	}

	var count int64
	q := "SELECT COUNT(*) FROM " + escTable + " WHERE server_path = $1 AND state = $2"
	if err := s.Pool.QueryRow(ctx, q, serverPath, string(state)).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=kbrpcserver.count: %w", err)
	}
	return count, nil
}

// CountNewJobs, CountProcessingJobs, CountEmptyJobs, and
// CountJobsJobTypes mirror the original's four named counters, each a thin
// wrapper around Count.
func (s *Store) CountNewJobs(ctx domain.Context, serverPath string) (int64, error) {
	return s.Count(ctx, serverPath, domain.RPCServerNewJob)
}

func (s *Store) CountProcessingJobs(ctx domain.Context, serverPath string) (int64, error) {
	return s.Count(ctx, serverPath, domain.RPCServerProcessing)
}

func (s *Store) CountEmptyJobs(ctx domain.Context, serverPath string) (int64, error) {
	return s.Count(ctx, serverPath, domain.RPCServerEmpty)
}

func (s *Store) CountJobsJobTypes(ctx domain.Context, serverPath string, state domain.RPCServerState) (int64, error) {
	return s.Count(ctx, serverPath, state)
}
