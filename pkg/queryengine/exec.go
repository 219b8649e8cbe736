package queryengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/storage"
)

// stepRows is one resolved step's rows: id -> plain field map (always
// including an "id" entry), before any nested relation is joined in.
type stepRows map[string]map[string]any

// Executor runs a RawQueryRequest against a storage.Storage, applying
// router guards per step and assembling the final nested rows.
type Executor struct {
	storage  storage.Storage
	registry *schema.Registry
	router   *Router
}

// NewExecutor builds an Executor. router may be nil (no guards installed
// on any route).
func NewExecutor(store storage.Storage, registry *schema.Registry, router *Router) *Executor {
	if router == nil {
		router = NewRouter()
	}
	return &Executor{storage: store, registry: registry, router: router}
}

// Execute plans, resolves and assembles req, returning root rows ordered
// per spec.md §4.5: stable, native ordering on strings/numbers, ties
// broken by ascending id (the storage contract exposes no insertion
// sequence to break ties against, so id order is the deterministic
// stand-in — see DESIGN.md).
func (e *Executor) Execute(ctx context.Context, req queryshape.RawQueryRequest) ([]map[string]any, error) {
	plan, err := buildPlan(e.registry, req.Resource, req, nil, schema.Relation{}, nil)
	if err != nil {
		return nil, fmt.Errorf("queryengine: %w", err)
	}

	resolved := make(map[string]stepRows)
	if err := e.resolveNode(ctx, plan, nil, resolved); err != nil {
		return nil, err
	}

	assembled := e.assemble(plan, resolved)

	ids := make([]string, 0, len(assembled))
	for id := range assembled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]queryshape.Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, queryshape.Row{ID: id, Fields: assembled[id]})
	}
	queryshape.SortRows(rows, req.Sort)

	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}

	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r.Fields
	}
	return out, nil
}

// resolveNode fetches node's own rows (rewriting the step through the
// router first) and recurses into its children, passing along whichever
// parent ids each child's relation kind needs.
func (e *Executor) resolveNode(ctx context.Context, node *planNode, parentIDs []string, resolved map[string]stepRows) error {
	step, err := e.router.incrementQueryStep(ctx, node.step, ActionRead)
	if err != nil {
		return err
	}
	node.step = step

	payloads, err := e.fetchStep(ctx, node, step, parentIDs)
	if err != nil {
		return fmt.Errorf("queryengine: resolve %v: %w", step.StepPath, err)
	}

	rows := make(stepRows, len(payloads))
	for id, p := range payloads {
		row := make(map[string]any, len(p)+1)
		row["id"] = id
		for field, fv := range p {
			row[field] = fv.Value
		}
		rows[id] = row
	}
	resolved[pathKey(step.StepPath)] = rows

	for _, child := range node.children {
		childIDs := e.idsForChild(child, rows)
		if err := e.resolveNode(ctx, child, childIDs, resolved); err != nil {
			return err
		}
	}
	return nil
}

// fetchStep dispatches to the right storage access pattern for node's
// position in the plan: the root and RelationMany children go through
// Get with an appropriate where; RelationOne children go through
// BatchGet, since their ids are already known from the parent rows.
func (e *Executor) fetchStep(ctx context.Context, node *planNode, step QueryStep, parentIDs []string) (map[string]lww.Payload, error) {
	if node.parent == nil {
		return e.storage.Get(ctx, step.Query.Resource, step.Query.Where)
	}
	if node.relation.Kind == schema.RelationOne {
		payloads, err := e.storage.BatchGet(ctx, step.Query.Resource, dedup(parentIDs))
		if err != nil {
			return nil, err
		}
		return filterPayloads(payloads, step.Query.Where)
	}
	where := andWhere(step.Query.Where, queryshape.Where{
		node.relation.Field: map[string]any{queryshape.OpIn: anySlice(dedup(parentIDs))},
	})
	return e.storage.Get(ctx, step.Query.Resource, where)
}

// idsForChild collects the ids resolveNode must pass down to child,
// reading from rows (this node's own resolved rows): for a RelationOne
// child, that's the foreign-key field's values; for a RelationMany
// child, it's simply this node's row ids (the child filters itself by
// them via fetchStep).
func (e *Executor) idsForChild(child *planNode, rows stepRows) []string {
	if child.relation.Kind == schema.RelationMany {
		ids := make([]string, 0, len(rows))
		for id := range rows {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if v, ok := row[child.relation.Field].(string); ok && v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}

// assemble recursively joins a node's children into its own rows,
// returning a fresh map so the caller can keep mutating it without
// disturbing resolved's cached step rows.
func (e *Executor) assemble(node *planNode, resolved map[string]stepRows) map[string]map[string]any {
	src := resolved[pathKey(node.step.StepPath)]
	out := make(map[string]map[string]any, len(src))
	for id, row := range src {
		out[id] = cloneRow(row)
	}

	for _, child := range node.children {
		childRows := e.assemble(child, resolved)
		switch child.relation.Kind {
		case schema.RelationOne:
			for id, row := range out {
				fk, _ := row[child.relation.Field].(string)
				if fk == "" {
					row[child.relation.Name] = nil
					continue
				}
				row[child.relation.Name] = childRows[fk]
			}
		default:
			byParent := make(map[string][]map[string]any)
			childIDs := make([]string, 0, len(childRows))
			for id := range childRows {
				childIDs = append(childIDs, id)
			}
			sort.Strings(childIDs)
			for _, cid := range childIDs {
				crow := childRows[cid]
				parentID, _ := crow[child.relation.Field].(string)
				byParent[parentID] = append(byParent[parentID], crow)
			}
			for id, row := range out {
				children := byParent[id]
				if children == nil {
					children = []map[string]any{}
				}
				row[child.relation.Name] = children
			}
		}
	}
	return out
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
