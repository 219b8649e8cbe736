// Package graph implements the in-memory directed object graph spec.md §4.7
// describes: an arena of nodes keyed by string id, edges keyed by the
// underlying reference field name (shared between a resource's "one" side
// and its target's "many" side), and per-node subscriber callbacks.
//
// The graph is inherently cyclic (org ↔ posts ↔ comments ↔ author per
// spec.md §9), so nodes are never owned by their edges — only referenced —
// and nothing here ever walks the graph to free memory.
package graph

import (
	"fmt"
	"log/slog"
	"sync"
)

// node is the internal, mutable representation. All access goes through
// Graph's methods, which hold mu for the duration of any read or write —
// spec.md §4.7 calls this "a single critical section" for UpdateNode, and
// the same discipline is applied to every other operation here so the
// reference-edge/pool invariant in spec.md §3 always holds.
type node struct {
	id            string
	typ           string
	references    map[string]string            // field name -> target node id
	referencedBy  map[string]map[string]bool    // field name -> set of source node ids
	subscriptions map[int]func()                // subscription handle -> callback
	nextSubID     int
}

// Graph is the arena of nodes. Zero value is not usable; use New.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// CreateNode adds a node for (id, type). Returns an error if id already
// exists — callers (the store) are expected to check Exists first when
// "ensure a node exists" semantics are wanted instead.
func (g *Graph) CreateNode(id, typ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("graph: node %q already exists", id)
	}
	g.nodes[id] = &node{
		id:            id,
		typ:           typ,
		references:    make(map[string]string),
		referencedBy:  make(map[string]map[string]bool),
		subscriptions: make(map[int]func()),
	}
	return nil
}

// EnsureNode creates the node if absent and is a no-op otherwise — the
// "ensure a node exists for resourceId itself" step of store.addMutation
// (spec.md §4.8 step 5).
func (g *Graph) EnsureNode(id, typ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[id]; !exists {
		g.nodes[id] = &node{
			id:            id,
			typ:           typ,
			references:    make(map[string]string),
			referencedBy:  make(map[string]map[string]bool),
			subscriptions: make(map[int]func()),
		}
	}
}

// Exists reports whether a node for id has been created.
func (g *Graph) Exists(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[id]
	return ok
}

// CreateLink adds a reference edge sourceId --field--> targetId, creating
// neither endpoint (both must already exist). It notifies the target's
// subscribers: appearance of sourceId in targetId's many-relation set
// changes any query that traverses that relation.
func (g *Graph) CreateLink(sourceID, targetID, field string) error {
	g.mu.Lock()
	src, ok := g.nodes[sourceID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("graph: unknown source node %q", sourceID)
	}
	tgt, ok := g.nodes[targetID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("graph: unknown target node %q", targetID)
	}
	src.references[field] = targetID
	if tgt.referencedBy[field] == nil {
		tgt.referencedBy[field] = make(map[string]bool)
	}
	tgt.referencedBy[field][sourceID] = true
	cbs := snapshotCallbacks(tgt)
	g.mu.Unlock()

	invoke(targetID, cbs)
	return nil
}

// RemoveLink removes the reference edge sourceId --field--> * (whatever it
// currently points to), symmetrically clearing the old target's
// referencedBy entry and notifying the old target's subscribers. A no-op
// if there was no such edge.
func (g *Graph) RemoveLink(sourceID, field string) error {
	g.mu.Lock()
	src, ok := g.nodes[sourceID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("graph: unknown source node %q", sourceID)
	}
	targetID, had := src.references[field]
	if !had {
		g.mu.Unlock()
		return nil
	}
	delete(src.references, field)

	var cbs []func()
	if tgt, ok := g.nodes[targetID]; ok {
		if set := tgt.referencedBy[field]; set != nil {
			delete(set, sourceID)
		}
		cbs = snapshotCallbacks(tgt)
	}
	g.mu.Unlock()

	invoke(targetID, cbs)
	return nil
}

// Reference returns the id sourceId's field edge currently points to.
func (g *Graph) Reference(sourceID, field string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.nodes[sourceID]
	if !ok {
		return "", false
	}
	target, ok := src.references[field]
	return target, ok
}

// ReferencedBy returns every source node id with a field-edge into
// targetId, i.e. the unordered many-relation set read at query time.
func (g *Graph) ReferencedBy(targetID, field string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tgt, ok := g.nodes[targetID]
	if !ok {
		return nil
	}
	set := tgt.referencedBy[field]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UpdateNode runs mutator under the graph's single critical section, then
// notifies id's subscribers. mutator takes no arguments — field mutation
// itself happens in the store's pool, not here; this exists
// for callers that need to touch graph-local bookkeeping atomically with a
// notify (e.g. bulk relinks during loadConsolidatedState).
func (g *Graph) UpdateNode(id string, mutator func()) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("graph: unknown node %q", id)
	}
	if mutator != nil {
		mutator()
	}
	cbs := snapshotCallbacks(n)
	g.mu.Unlock()

	invoke(id, cbs)
	return nil
}

// Subscribe registers cb to be invoked whenever NotifySubscribers(id) runs
// (directly, or indirectly via CreateLink/RemoveLink/UpdateNode touching
// id). Returns an unsubscribe function. Fails for an unknown node.
func (g *Graph) Subscribe(id string, cb func()) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("graph: cannot subscribe to unknown node %q", id)
	}
	subID := n.nextSubID
	n.nextSubID++
	n.subscriptions[subID] = cb
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if n2, ok := g.nodes[id]; ok {
			delete(n2.subscriptions, subID)
		}
	}, nil
}

// NotifySubscribers invokes every callback registered on id. Callbacks that
// panic are isolated (recovered and logged) so one misbehaving subscriber
// never prevents the rest from being notified — spec.md §4.7 and §7.
func (g *Graph) NotifySubscribers(id string) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	cbs := snapshotCallbacks(n)
	g.mu.Unlock()
	invoke(id, cbs)
}

// RemoveNode is the escape hatch spec.md §9 allows for application-layer
// deletion: it unlinks every outgoing and incoming edge touching id,
// removes the node, and notifies every node that had an edge to or from
// it. The core protocol never calls this itself.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return
	}

	affected := map[string]bool{}
	for field, targetID := range n.references {
		if tgt, ok := g.nodes[targetID]; ok {
			if set := tgt.referencedBy[field]; set != nil {
				delete(set, id)
			}
			affected[targetID] = true
		}
	}
	for field, sources := range n.referencedBy {
		for sourceID := range sources {
			if src, ok := g.nodes[sourceID]; ok {
				if src.references[field] == id {
					delete(src.references, field)
				}
			}
			affected[sourceID] = true
		}
	}
	delete(g.nodes, id)

	var batches [][]func()
	for nodeID := range affected {
		if other, ok := g.nodes[nodeID]; ok {
			batches = append(batches, snapshotCallbacksFor(nodeID, other))
		}
	}
	g.mu.Unlock()

	for _, cbs := range batches {
		invoke(id, cbs)
	}
}

func snapshotCallbacks(n *node) []func() {
	cbs := make([]func(), 0, len(n.subscriptions))
	for _, cb := range n.subscriptions {
		cbs = append(cbs, cb)
	}
	return cbs
}

func snapshotCallbacksFor(_ string, n *node) []func() {
	return snapshotCallbacks(n)
}

func invoke(nodeID string, cbs []func()) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("graph subscriber callback panicked", "node_id", nodeID, "recover", r)
				}
			}()
			cb()
		}()
	}
}
