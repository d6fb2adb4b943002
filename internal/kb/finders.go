package kb

import (
	"fmt"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
)

// PropertyFilter is one key/value pair applied via WithPropertyValue.
type PropertyFilter struct {
	Key   string
	Value string
}

// FindOpts narrows a label search the way find_rpc_server_ids and its
// siblings do: optional knowledge base, node name, property filters, and a
// path pattern.
type FindOpts struct {
	KnowledgeBase string
	Name          string
	Properties    []PropertyFilter
	PathExpr      string
}

// FindByLabel returns every discovery row matching label and opts. An empty
// result is not an error; callers that require exactly one match should use
// FindOneByLabel.
func FindByLabel(ctx domain.Context, pool kbstore.Pool, table string, label domain.DiscoveryLabel, opts FindOpts) ([]Row, error) {
	q := NewQuery(pool, table).WithLabel(label)
	if opts.KnowledgeBase != "" {
		q = q.WithKnowledgeBase(opts.KnowledgeBase)
	}
	if opts.Name != "" {
		q = q.WithName(opts.Name)
	}
	for _, p := range opts.Properties {
		q = q.WithPropertyValue(p.Key, p.Value)
	}
	if opts.PathExpr != "" {
		q = q.WithPath(opts.PathExpr)
	}
	return q.Execute(ctx)
}

// FindOneByLabel returns the single discovery row matching label and opts,
// failing with ErrPreconditionNotMet when the match count is not exactly
// one — the singular find_rpc_server_id / find_rpc_client_id contract.
func FindOneByLabel(ctx domain.Context, pool kbstore.Pool, table string, label domain.DiscoveryLabel, opts FindOpts) (Row, error) {
	rows, err := FindByLabel(ctx, pool, table, label, opts)
	if err != nil {
		return Row{}, err
	}
	if len(rows) != 1 {
		return Row{}, fmt.Errorf("op=kb.find_one: %w: matched %d rows, want 1", domain.ErrPreconditionNotMet, len(rows))
	}
	return rows[0], nil
}
