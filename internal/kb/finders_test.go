package kb_test

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kb"
)

func TestFindOneByLabel_ExactlyOneMatch(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows(columns()).
		AddRow(int64(1), "kb1", "KB_RPC_SERVER_FIELD", "srv", "{}", "{}", false, false, "kb1.srv")
	m.ExpectQuery(`.*`).WillReturnRows(rows)

	got, err := kb.FindOneByLabel(context.Background(), m, "knowledge_base", domain.LabelRPCServerField, kb.FindOpts{Name: "srv"})
	require.NoError(t, err)
	assert.Equal(t, "kb1.srv", got.Path)
}

func TestFindOneByLabel_ZeroMatchesIsPreconditionFailure(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery(`.*`).WillReturnRows(pgxmock.NewRows(columns()))

	_, err = kb.FindOneByLabel(context.Background(), m, "knowledge_base", domain.LabelRPCServerField, kb.FindOpts{Name: "missing"})
	assert.ErrorIs(t, err, domain.ErrPreconditionNotMet)
}

func TestFindOneByLabel_MultipleMatchesIsPreconditionFailure(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows(columns()).
		AddRow(int64(1), "kb1", "KB_RPC_SERVER_FIELD", "srv", "{}", "{}", false, false, "kb1.srv").
		AddRow(int64(2), "kb1", "KB_RPC_SERVER_FIELD", "srv", "{}", "{}", false, false, "kb1.srv2")
	m.ExpectQuery(`.*`).WillReturnRows(rows)

	_, err = kb.FindOneByLabel(context.Background(), m, "knowledge_base", domain.LabelRPCServerField, kb.FindOpts{Name: "srv"})
	assert.ErrorIs(t, err, domain.ErrPreconditionNotMet)
}
