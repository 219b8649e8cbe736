package queryengine

import (
	"fmt"
	"sort"

	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// planNode is the internal plan tree buildPlan constructs; breakdownQuery
// flattens it into the public, spec-shaped []QueryStep list.
type planNode struct {
	step     QueryStep
	relation schema.Relation // zero value on the root node
	parent   *planNode
	children []*planNode
}

// buildPlan recursively constructs the plan tree for req scoped to
// resource, descending into every include key in deterministic
// (name-sorted) order so the flattened step list — and therefore
// execution order — is reproducible across runs.
func buildPlan(registry *schema.Registry, resource string, req queryshape.RawQueryRequest, stepPath []string, relation schema.Relation, parent *planNode) (*planNode, error) {
	scoped := req
	scoped.Resource = resource
	node := &planNode{
		step:     QueryStep{Query: scoped, StepPath: append([]string{}, stepPath...)},
		relation: relation,
		parent:   parent,
	}
	if len(req.Include) == 0 {
		return node, nil
	}
	res, err := registry.Get(resource)
	if err != nil {
		return nil, fmt.Errorf("queryengine: %w", err)
	}
	names := make([]string, 0, len(req.Include))
	for name := range req.Include {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel, ok := res.Relation(name)
		if !ok {
			return nil, fmt.Errorf("queryengine: %q is not a declared relation of %q", name, resource)
		}
		var nestedReq queryshape.RawQueryRequest
		if nested := req.Include[name]; nested != nil {
			nestedReq = *nested
		}
		childPath := append(append([]string{}, stepPath...), name)
		child, err := buildPlan(registry, rel.Target, nestedReq, childPath, rel, node)
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}
	return node, nil
}

// breakdownQuery flattens a plan tree into the ordered QueryStep list
// spec.md §4.5 describes: root first (StepPath nil), then every included
// relation's step, depth-first, each with StepPath extended by the
// relation name and Resource replaced by the target resource.
func breakdownQuery(registry *schema.Registry, req queryshape.RawQueryRequest) ([]QueryStep, error) {
	root, err := buildPlan(registry, req.Resource, req, nil, schema.Relation{}, nil)
	if err != nil {
		return nil, err
	}
	var out []QueryStep
	var walk func(n *planNode)
	walk = func(n *planNode) {
		out = append(out, n.step)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}
