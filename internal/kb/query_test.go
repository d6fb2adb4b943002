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

func columns() []string {
	return []string{"id", "knowledge_base", "label", "name", "properties", "data", "has_link", "has_link_mount", "path"}
}

func TestQuery_Execute_NoFilters(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows(columns()).
		AddRow(int64(1), "kb1", "KB_STATUS_FIELD", "n1", "{}", "{}", false, false, "kb1.n1")
	m.ExpectQuery(`SELECT \* FROM "knowledge_base"`).WillReturnRows(rows)

	got, err := kb.NewQuery(m, "knowledge_base").Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kb1.n1", got[0].Path)
	assert.Equal(t, domain.LabelStatusField, got[0].Label)
}

func TestQuery_Execute_ChainsCTEPerFilter(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows(columns()).
		AddRow(int64(2), "kb1", "KB_RPC_SERVER_FIELD", "server1", "{}", "{}", true, false, "kb1.server1")
	m.ExpectQuery(`WITH base_data AS \(SELECT \* FROM "knowledge_base"\), filter_0 AS \(SELECT \* FROM base_data WHERE label = \$1\), filter_1 AS \(SELECT \* FROM filter_0 WHERE name = \$2\) SELECT \* FROM filter_1`).
		WithArgs("KB_RPC_SERVER_FIELD", "server1").
		WillReturnRows(rows)

	got, err := kb.NewQuery(m, "knowledge_base").
		WithLabel(domain.LabelRPCServerField).
		WithName("server1").
		Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "server1", got[0].Name)
}

func TestQuery_Execute_PropertyValueFilter(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows(columns())
	m.ExpectQuery(`WITH base_data AS \(SELECT \* FROM "knowledge_base"\), filter_0 AS \(SELECT \* FROM base_data WHERE properties::jsonb @> \$1::jsonb\) SELECT \* FROM filter_0`).
		WithArgs(`{"color": "blue"}`).
		WillReturnRows(rows)

	got, err := kb.NewQuery(m, "knowledge_base").WithPropertyValue("color", "blue").Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_Execute_RejectsBadTableName(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	_, err = kb.NewQuery(m, "").Execute(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPaths_ExtractsPathColumn(t *testing.T) {
	rows := []kb.Row{{Path: "a.b"}, {Path: "a.c"}}
	assert.Equal(t, []string{"a.b", "a.c"}, kb.Paths(rows))
}

func TestPaths_EmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, kb.Paths(nil))
}
