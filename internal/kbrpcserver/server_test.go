package kbrpcserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbrpcserver"
)

func basePolicy() domain.RetryPolicy {
	return domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
}

func TestStore_Push_Success(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	m.ExpectQuery(`SELECT id FROM "knowledge_base_rpc_server" WHERE server_path = \$1 AND state = 'empty'`).
		WithArgs("kb1.server1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	updRows := pgxmock.NewRows([]string{"id", "server_path", "request_id", "rpc_action", "request_payload",
		"request_timestamp", "transaction_tag", "state", "priority", "processing_timestamp", "completed_timestamp", "rpc_client_queue"}).
		AddRow(int64(5), "kb1.server1", "11111111-1111-1111-1111-111111111111", "do_thing", `{"a":1}`,
			time.Now(), "tag1", domain.RPCServerNewJob, 1, nil, nil, nil)
	m.ExpectQuery(`UPDATE "knowledge_base_rpc_server" SET server_path = \$1`).
		WillReturnRows(updRows)
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	row, err := s.Push(context.Background(), kbrpcserver.PushServerJobRequest{
		ServerPath:     "kb1.server1",
		RequestID:      "11111111-1111-1111-1111-111111111111",
		RPCAction:      "do_thing",
		RequestPayload: `{"a":1}`,
		TransactionTag: "tag1",
		Priority:       1,
	}, basePolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.ID)
	assert.Equal(t, domain.RPCServerNewJob, row.State)
}

func TestStore_Push_NoEmptySlot(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	m.ExpectQuery(`SELECT id FROM "knowledge_base_rpc_server" WHERE server_path = \$1 AND state = 'empty'`).
		WithArgs("kb1.server1").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectRollback()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	_, err = s.Push(context.Background(), kbrpcserver.PushServerJobRequest{
		ServerPath:     "kb1.server1",
		RPCAction:      "do_thing",
		RequestPayload: `{}`,
		TransactionTag: "tag1",
	}, basePolicy())
	assert.ErrorIs(t, err, domain.ErrNoEmptySlot)
}

func TestStore_Push_RejectsInvalidRequestID(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	_, err = s.Push(context.Background(), kbrpcserver.PushServerJobRequest{
		ServerPath:     "kb1.server1",
		RequestID:      "not-a-uuid",
		RPCAction:      "do_thing",
		RequestPayload: `{}`,
		TransactionTag: "tag1",
	}, basePolicy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStore_Push_RejectsMissingRequiredFields(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	_, err = s.Push(context.Background(), kbrpcserver.PushServerJobRequest{
		ServerPath: "kb1.server1",
	}, basePolicy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStore_Peek_FindsAndClaims(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	selRows := pgxmock.NewRows([]string{"id", "server_path", "request_id", "rpc_action", "request_payload",
		"request_timestamp", "transaction_tag", "state", "priority", "processing_timestamp", "completed_timestamp", "rpc_client_queue"}).
		AddRow(int64(5), "kb1.server1", "11111111-1111-1111-1111-111111111111", "do_thing", `{"a":1}`,
			time.Now(), "tag1", domain.RPCServerNewJob, 1, nil, nil, nil)
	m.ExpectQuery(`SELECT id, server_path, request_id, rpc_action, request_payload, request_timestamp, transaction_tag, state, priority, processing_timestamp, completed_timestamp, rpc_client_queue FROM "knowledge_base_rpc_server" WHERE server_path = \$1 AND state = 'new_job'`).
		WithArgs("kb1.server1").
		WillReturnRows(selRows)
	m.ExpectQuery(`UPDATE "knowledge_base_rpc_server" SET state = 'processing'`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	row, found, err := s.Peek(context.Background(), "kb1.server1", basePolicy())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(5), row.ID)
}

func TestStore_Peek_NoneWaiting(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectQuery(`SELECT id, server_path, request_id, rpc_action, request_payload, request_timestamp, transaction_tag, state, priority, processing_timestamp, completed_timestamp, rpc_client_queue FROM "knowledge_base_rpc_server" WHERE server_path = \$1 AND state = 'new_job'`).
		WithArgs("kb1.server1").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	_, found, err := s.Peek(context.Background(), "kb1.server1", basePolicy())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_MarkCompletion_Success(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectQuery(`SELECT id FROM "knowledge_base_rpc_server" WHERE id = \$1 AND server_path = \$2 AND state = 'processing'`).
		WithArgs(int64(5), "kb1.server1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	m.ExpectQuery(`UPDATE "knowledge_base_rpc_server" SET state = 'empty'`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	ok, err := s.MarkCompletion(context.Background(), "kb1.server1", 5, basePolicy())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_MarkCompletion_NotProcessingReturnsFalse(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectQuery(`SELECT id FROM "knowledge_base_rpc_server" WHERE id = \$1 AND server_path = \$2 AND state = 'processing'`).
		WithArgs(int64(5), "kb1.server1").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	ok, err := s.MarkCompletion(context.Background(), "kb1.server1", 5, basePolicy())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Clear_Success(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectQuery(`SELECT 1 FROM "knowledge_base_rpc_server" WHERE server_path = \$1 FOR UPDATE NOWAIT`).
		WithArgs("kb1.server1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1).AddRow(1))
	m.ExpectExec(`UPDATE "knowledge_base_rpc_server" SET request_id = gen_random_uuid\(\)`).
		WithArgs("kb1.server1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	m.ExpectCommit()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	n, err := s.Clear(context.Background(), "kb1.server1", basePolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_Count_RejectsUnknownState(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	_, err = s.Count(context.Background(), "kb1.server1", domain.RPCServerState("bogus"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStore_CountNewJobs(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery(`SELECT COUNT\(\*\) FROM "knowledge_base_rpc_server" WHERE server_path = \$1 AND state = \$2`).
		WithArgs("kb1.server1", "new_job").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	s := kbrpcserver.New(m, "knowledge_base_rpc_server")
	n, err := s.CountNewJobs(context.Background(), "kb1.server1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
