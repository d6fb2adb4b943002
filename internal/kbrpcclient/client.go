// Package kbrpcclient implements the RPC client reply-queue primitive: a
// pre-allocated pool of slots per client_path that a server pushes a reply
// into, and a client later claims and clears, mirroring the server-queue
// primitive's handshake but keyed on client_path instead of server_path.
package kbrpcclient

import (
	"fmt"
	"log/slog"

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

const component = observability.ComponentRPCClient

// Store operates an RPC client reply-queue pool backed by table.
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
	tracer := otel.Tracer("kbrpcclient")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	observability.LoggerFromContext(ctx).Debug(name, slog.String("table", table), slog.String("db.operation", op))
	return ctx, span.End
}

func (s *Store) countBy(ctx domain.Context, clientPath string, filterSQL string) (int64, error) {
	if !kb.ValidatePath(clientPath) {
		return 0, fmt.Errorf("op=kbrpcclient.count: %w: client_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, clientPath)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbrpcclient.count: %w: %w", domain.ErrInvalidArgument, err)
	}
	q := "SELECT COUNT(*) AS total_records, COUNT(*) FILTER (WHERE " + filterSQL + ") AS slots FROM " + escTable + " WHERE client_path = $1"
	var total, slots int64
	if err := s.Pool.QueryRow(ctx, q, clientPath).Scan(&total, &slots); err != nil {
		return 0, fmt.Errorf("op=kbrpcclient.count: %w", err)
	}
	if total == 0 {
		return 0, fmt.Errorf("op=kbrpcclient.count: %w: no rows provisioned for client_path %q", domain.ErrNoRecords, clientPath)
	}
	return slots, nil
}

// FindFreeSlots returns the count of is_new_result=FALSE rows for clientPath.
// A client_path with zero provisioned rows fails with ErrNoRecords.
func (s *Store) FindFreeSlots(ctx domain.Context, clientPath string) (int64, error) {
	ctx, end := startSpan(ctx, "kbrpcclient.FindFreeSlots", s.Table, "SELECT")
	defer end()
	return s.countBy(ctx, clientPath, "is_new_result = FALSE")
}

// FindQueuedSlots returns the count of is_new_result=TRUE rows for clientPath.
// A client_path with zero provisioned rows fails with ErrNoRecords.
func (s *Store) FindQueuedSlots(ctx domain.Context, clientPath string) (int64, error) {
	ctx, end := startSpan(ctx, "kbrpcclient.FindQueuedSlots", s.Table, "SELECT")
	defer end()
	return s.countBy(ctx, clientPath, "is_new_result = TRUE")
}

// PushReplyRequest is the validated input to PushAndClaimReplyData.
// RequestID is required and must be a parseable UUID: unlike the original,
// which binds a possibly-null request_uuid straight through to the store's
// NOT-NULL constraint, this rejects a missing or malformed id up front.
type PushReplyRequest struct {
	ClientPath      string
	RequestID       string
	ServerPath      string
	RPCAction       string
	TransactionTag  string
	ResponsePayload string
}

func (r PushReplyRequest) validate() error {
	if !kb.ValidatePath(r.ClientPath) {
		return fmt.Errorf("op=kbrpcclient.push: %w: client_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, r.ClientPath)
	}
	if r.RequestID == "" {
		return fmt.Errorf("op=kbrpcclient.push: %w: request_id is required", domain.ErrInvalidArgument)
	}
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return fmt.Errorf("op=kbrpcclient.push: %w: request_id is not a valid UUID: %w", domain.ErrInvalidArgument, err)
	}
	if r.RPCAction == "" {
		return fmt.Errorf("op=kbrpcclient.push: %w: rpc_action must not be empty", domain.ErrInvalidArgument)
	}
	if r.TransactionTag == "" {
		return fmt.Errorf("op=kbrpcclient.push: %w: transaction_tag must not be empty", domain.ErrInvalidArgument)
	}
	return nil
}

// PushAndClaimReplyData claims the oldest free slot for req.ClientPath and
// writes the reply fields into it in one statement, via a CTE candidate
// picked with FOR UPDATE SKIP LOCKED. ErrNoFreeSlot means every slot for the
// path already holds an unclaimed reply.
func (s *Store) PushAndClaimReplyData(ctx domain.Context, req PushReplyRequest, policy domain.RetryPolicy) error {
	ctx, end := startSpan(ctx, "kbrpcclient.PushAndClaimReplyData", s.Table, "UPDATE")
	defer end()
	if err := req.validate(); err != nil {
		return err
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return fmt.Errorf("op=kbrpcclient.push: %w: %w", domain.ErrInvalidArgument, err)
	}

	q := "WITH candidate AS (" +
		"SELECT id FROM " + escTable + " WHERE client_path = $1 AND is_new_result = FALSE " +
		"ORDER BY response_timestamp ASC FOR UPDATE SKIP LOCKED LIMIT 1" +
		") UPDATE " + escTable + " SET request_id = $2, server_path = $3, rpc_action = $4, " +
		"transaction_tag = $5, response_payload = $6, is_new_result = TRUE, response_timestamp = CURRENT_TIMESTAMP " +
		"FROM candidate WHERE " + escTable + ".id = candidate.id RETURNING " + escTable + ".id"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "PushAndClaimReplyData",
	}

	_, err = retry.Do(ctx, retryPolicy, func(ctx domain.Context) (struct{}, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.push.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var id int64
		err = tx.QueryRow(ctx, q, req.ClientPath, req.RequestID, req.ServerPath, req.RPCAction, req.TransactionTag, req.ResponsePayload).Scan(&id)
		if err == pgx.ErrNoRows {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.push: %w: no free slot for client_path %q", domain.ErrNoFreeSlot, req.ClientPath)
		}
		if err != nil {
			if kbstore.IsTransient(err) {
				return struct{}{}, retry.Transient, err
			}
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.push.update: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return struct{}{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.push.commit: %w", err)
		}
		committed = true
		return struct{}{}, retry.Success, nil
	})
	return err
}

// PeakAndClaimReplyData claims the oldest unclaimed reply for clientPath and
// returns it. A false bool with a nil error means no reply is waiting: the
// SKIP LOCKED update matched nothing and a follow-up EXISTS probe confirmed
// there is truly nothing left to claim, rather than just something another
// worker briefly held the lock on.
func (s *Store) PeakAndClaimReplyData(ctx domain.Context, clientPath string, policy domain.RetryPolicy) (domain.RPCClientRow, bool, error) {
	ctx, end := startSpan(ctx, "kbrpcclient.PeakAndClaimReplyData", s.Table, "UPDATE")
	defer end()
	if !kb.ValidatePath(clientPath) {
		return domain.RPCClientRow{}, false, fmt.Errorf("op=kbrpcclient.peak: %w: client_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, clientPath)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return domain.RPCClientRow{}, false, fmt.Errorf("op=kbrpcclient.peak: %w: %w", domain.ErrInvalidArgument, err)
	}

	updateQ := "UPDATE " + escTable + " SET is_new_result = FALSE WHERE id = (" +
		"SELECT id FROM " + escTable + " WHERE client_path = $1 AND is_new_result = TRUE " +
		"ORDER BY response_timestamp ASC FOR UPDATE SKIP LOCKED LIMIT 1" +
		") RETURNING id, request_id, client_path, server_path, transaction_tag, rpc_action, response_payload, response_timestamp, is_new_result"
	existsQ := "SELECT EXISTS(SELECT 1 FROM " + escTable + " WHERE client_path = $1 AND is_new_result = TRUE)"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "PeakAndClaimReplyData",
	}

	type result struct {
		row   domain.RPCClientRow
		found bool
	}

	res, err := retry.Do(ctx, retryPolicy, func(ctx domain.Context) (result, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.peak.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		var row domain.RPCClientRow
		err = tx.QueryRow(ctx, updateQ, clientPath).Scan(
			&row.ID, &row.RequestID, &row.ClientPath, &row.ServerPath, &row.TransactionTag,
			&row.RPCAction, &row.ResponsePayload, &row.ResponseTimestamp, &row.IsNewResult,
		)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return result{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.peak.commit: %w", err)
			}
			committed = true
			return result{row: row, found: true}, retry.Success, nil
		}
		if err != pgx.ErrNoRows {
			if kbstore.IsTransient(err) {
				return result{}, retry.Transient, err
			}
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.peak.update: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, existsQ, clientPath).Scan(&exists); err != nil {
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.peak.exists: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return result{}, retry.Fatal, fmt.Errorf("op=kbrpcclient.peak.commit_empty: %w", err)
		}
		committed = true
		if !exists {
			return result{}, retry.Success, nil
		}
		return result{}, retry.Transient, fmt.Errorf("op=kbrpcclient.peak: reply row was locked by another worker")
	})
	return res.row, res.found, err
}

// ClearReplyQueue resets every slot for clientPath to free, row by row under
// a NOWAIT lock, returning the number of rows reset.
func (s *Store) ClearReplyQueue(ctx domain.Context, clientPath string, policy domain.RetryPolicy) (int64, error) {
	ctx, end := startSpan(ctx, "kbrpcclient.ClearReplyQueue", s.Table, "UPDATE")
	defer end()
	if !kb.ValidatePath(clientPath) {
		return 0, fmt.Errorf("op=kbrpcclient.clear: %w: client_path %q is not a valid hierarchical path", domain.ErrInvalidArgument, clientPath)
	}
	escTable, err := s.escapedTable()
	if err != nil {
		return 0, fmt.Errorf("op=kbrpcclient.clear: %w: %w", domain.ErrInvalidArgument, err)
	}

	selectQ := "SELECT id FROM " + escTable + " WHERE client_path = $1 FOR UPDATE NOWAIT"
	updateQ := "UPDATE " + escTable + " SET request_id = $1, server_path = $2, response_payload = $3, response_timestamp = NOW(), is_new_result = FALSE WHERE id = $4"

	retryPolicy := retry.Policy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Kind:       retry.BackoffLinear,
		Component:  component,
		Operation:  "ClearReplyQueue",
	}

	return retry.Do(ctx, retryPolicy, func(ctx domain.Context) (int64, retry.Outcome, error) {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.begin_tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		rows, err := tx.Query(ctx, selectQ, clientPath)
		if err != nil {
			if kbstore.IsTransient(err) {
				return 0, retry.Transient, err
			}
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.select: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.scan: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			if kbstore.IsTransient(err) {
				return 0, retry.Transient, err
			}
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.select: %w", err)
		}

		var updated int64
		for _, id := range ids {
			tag, err := tx.Exec(ctx, updateQ, uuid.NewString(), clientPath, "{}", id)
			if err != nil {
				return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.update: %w", err)
			}
			updated += tag.RowsAffected()
		}

		if err := tx.Commit(ctx); err != nil {
			return 0, retry.Fatal, fmt.Errorf("op=kbrpcclient.clear.commit: %w", err)
		}
		committed = true
		return updated, retry.Success, nil
	})
}
