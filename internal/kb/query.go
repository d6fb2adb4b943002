// Package kb implements the discovery layer: a filter builder over the
// knowledge_base table that composes a chain of CTEs, one per filter, the
// way the original query builder does.
package kb

import (
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
)

// Row is one match from Execute.
type Row = domain.DiscoveryRow

// filter is one WHERE-clause fragment plus its bound parameter.
type filter struct {
	cond  string
	param any
}

// Query builds up filters against a discovery table and executes them as a
// chain of CTEs, each narrowing the previous one's result set.
type Query struct {
	pool    kbstore.Pool
	table   string
	filters []filter
}

// NewQuery starts a fresh, filterless query against table.
func NewQuery(pool kbstore.Pool, table string) *Query {
	return &Query{pool: pool, table: table}
}

// WithKnowledgeBase filters rows by exact knowledge_base match.
func (q *Query) WithKnowledgeBase(kb string) *Query {
	return q.add("knowledge_base = $%d", kb)
}

// WithLabel filters rows by exact label match.
func (q *Query) WithLabel(label domain.DiscoveryLabel) *Query {
	return q.add("label = $%d", string(label))
}

// WithName filters rows by exact name match.
func (q *Query) WithName(name string) *Query {
	return q.add("name = $%d", name)
}

// WithPropertyKey filters rows whose properties object contains key.
func (q *Query) WithPropertyKey(key string) *Query {
	return q.add("properties::jsonb ? $%d", key)
}

// WithPropertyValue filters rows whose properties object contains the
// key/value pair, via jsonb containment.
func (q *Query) WithPropertyValue(key, value string) *Query {
	return q.add("properties::jsonb @> $%d::jsonb", jsonObjectStr(key, value))
}

// WithStartingPath filters rows whose path is contained in the ltree
// subtree rooted at startingPath.
func (q *Query) WithStartingPath(startingPath string) *Query {
	return q.add("path <@ $%d", startingPath)
}

// WithPath filters rows whose path matches the given ltree lquery pattern.
func (q *Query) WithPath(pathExpr string) *Query {
	return q.add("path ~ $%d", pathExpr)
}

func (q *Query) add(condTemplate string, param any) *Query {
	q.filters = append(q.filters, filter{cond: condTemplate, param: param})
	return q
}

// Execute runs the composed query and returns every matching row.
func (q *Query) Execute(ctx domain.Context) ([]Row, error) {
	tracer := otel.Tracer("kb.discovery")
	ctx, span := tracer.Start(ctx, "kb.Query.Execute")
	defer span.End()

	escTable, err := kbstore.EscapeIdentifier(q.table)
	if err != nil {
		return nil, fmt.Errorf("op=kb.query.execute: %w: %w", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", q.table),
	)

	sqlText, args := q.build(escTable)
	observability.LoggerFromContext(ctx).Debug("kb.Query.Execute", slog.String("table", q.table), slog.Int("filters", len(q.filters)))
	rows, err := q.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("op=kb.query.execute: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var label string
		if err := rows.Scan(&r.ID, &r.KnowledgeBase, &label, &r.Name, &r.Properties, &r.Data, &r.HasLink, &r.HasLinkMount, &r.Path); err != nil {
			return nil, fmt.Errorf("op=kb.query.execute.scan: %w", err)
		}
		r.Label = domain.DiscoveryLabel(label)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=kb.query.execute.rows: %w", err)
	}
	return out, nil
}

// build renders the SQL text and positional arguments for the current filter
// chain: a bare SELECT when there are no filters, or a chain of CTEs (one
// per filter, each narrowing the previous) when there are.
func (q *Query) build(escTable string) (string, []any) {
	if len(q.filters) == 0 {
		return "SELECT * FROM " + escTable, nil
	}

	var b strings.Builder
	args := make([]any, 0, len(q.filters))
	fmt.Fprintf(&b, "WITH base_data AS (SELECT * FROM %s)", escTable)
	prev := "base_data"
	for i, f := range q.filters {
		args = append(args, f.param)
		cond := fmt.Sprintf(f.cond, i+1)
		curr := fmt.Sprintf("filter_%d", i)
		fmt.Fprintf(&b, ", %s AS (SELECT * FROM %s WHERE %s)", curr, prev, cond)
		prev = curr
	}
	b.WriteString(" SELECT * FROM " + prev)
	return b.String(), args
}

// Paths extracts the path column from a result set, mirroring
// find_path_values.
func Paths(rows []Row) []string {
	if len(rows) == 0 {
		return nil
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Path
	}
	return out
}
