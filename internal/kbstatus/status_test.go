package kbstatus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstatus"
)

func TestStore_Get_Found(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows([]string{"data"}).AddRow(`{"k":"v"}`)
	m.ExpectQuery(`SELECT data FROM "knowledge_base_status" WHERE path = \$1 LIMIT 1`).
		WithArgs("kb1.status1").
		WillReturnRows(rows)

	s := kbstatus.New(m, "knowledge_base_status")
	got, err := s.Get(context.Background(), "kb1.status1")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, got)
}

func TestStore_Get_NotFound(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery(`SELECT data FROM "knowledge_base_status" WHERE path = \$1 LIMIT 1`).
		WithArgs("kb1.missing").
		WillReturnError(pgx.ErrNoRows)

	s := kbstatus.New(m, "knowledge_base_status")
	_, err = s.Get(context.Background(), "kb1.missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_Get_RejectsEmptyPath(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	s := kbstatus.New(m, "knowledge_base_status")
	_, err = s.Get(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStore_Set_InsertBranch(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows([]string{"path", "was_inserted"}).AddRow("kb1.status1", true)
	m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
		WithArgs("kb1.status1", `{"k":"v"}`).
		WillReturnRows(rows)

	s := kbstatus.New(m, "knowledge_base_status")
	outcome, err := s.Set(context.Background(), "kb1.status1", `{"k":"v"}`, domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInserted, outcome)
}

func TestStore_Set_UpdateBranch(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows([]string{"path", "was_inserted"}).AddRow("kb1.status1", false)
	m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
		WithArgs("kb1.status1", `{"k":"v2"}`).
		WillReturnRows(rows)

	s := kbstatus.New(m, "knowledge_base_status")
	outcome, err := s.Set(context.Background(), "kb1.status1", `{"k":"v2"}`, domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUpdated, outcome)
}

func TestStore_Set_RetriesTransientThenSucceeds(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
		WithArgs("kb1.status1", `{"k":"v"}`).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	rows := pgxmock.NewRows([]string{"path", "was_inserted"}).AddRow("kb1.status1", true)
	m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
		WithArgs("kb1.status1", `{"k":"v"}`).
		WillReturnRows(rows)

	s := kbstatus.New(m, "knowledge_base_status")
	outcome, err := s.Set(context.Background(), "kb1.status1", `{"k":"v"}`, domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInserted, outcome)
}

func TestStore_Set_ExhaustsRetries(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
			WithArgs("kb1.status1", `{"k":"v"}`).
			WillReturnError(&pgconn.PgError{Code: "40001"})
	}

	s := kbstatus.New(m, "knowledge_base_status")
	_, err = s.Set(context.Background(), "kb1.status1", `{"k":"v"}`, domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
}

func TestStore_Set_FatalErrorStopsImmediately(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery(`INSERT INTO "knowledge_base_status"`).
		WithArgs("kb1.status1", `{"k":"v"}`).
		WillReturnError(errors.New("connection refused"))

	s := kbstatus.New(m, "knowledge_base_status")
	_, err = s.Set(context.Background(), "kb1.status1", `{"k":"v"}`, domain.RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRetriesExhausted)
}

func TestStore_Set_RejectsEmptyArgs(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := kbstatus.New(m, "knowledge_base_status")

	_, err = s.Set(context.Background(), "", "data", domain.RetryPolicy{MaxRetries: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Set(context.Background(), "kb1.status1", "", domain.RetryPolicy{MaxRetries: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
