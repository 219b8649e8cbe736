// Package client is the top-level wiring spec.md §2's component table
// names but leaves undetailed: it connects pkg/conn's reconnecting
// websocket to pkg/store's optimistic core, so a host application only
// ever talks to a Client (SPEC_FULL.md §4.10). Grounded on the teacher's
// cmd/tarsy/main.go top-level wiring style — construct each dependency,
// inject into the next — generalised from a server's dependency graph to
// a client's.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liveframe/liveframe/pkg/conn"
	"github.com/liveframe/liveframe/pkg/idgen"
	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/store"
	"github.com/liveframe/liveframe/pkg/wire"
)

// timestampLayout mirrors pkg/lww's fixed-width ISO 8601 UTC contract so
// locally minted timestamps sort correctly against server-origin ones.
const timestampLayout = "2006-01-02T15:04:05.000Z"

func nowTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// Client wires a pkg/conn.Manager's event stream into a pkg/store.Store:
// reconnect bootstrap, incoming SYNC/MUTATE/REJECT dispatch, and outgoing
// SUBSCRIBE/MUTATE submission all happen here. The host application
// builds queries and mutations against the Store/pkg/query layer and
// only calls into Client to (a) start the connection, (b) register a
// live collection subscription, and (c) submit a mutation.
type Client struct {
	store    *store.Store
	conn     *conn.Manager
	registry *schema.Registry

	mu          sync.Mutex
	subscribed  map[string]int // resource -> number of live Subscribe() calls needing it
	unsubscribe func()
}

// New builds a Client over an already-constructed Store and connection
// Manager. Call Start to open the connection and begin dispatching.
func New(registry *schema.Registry, st *store.Store, connMgr *conn.Manager) *Client {
	c := &Client{
		store:      st,
		conn:       connMgr,
		registry:   registry,
		subscribed: make(map[string]int),
	}
	c.unsubscribe = connMgr.On(c.handleEvent)
	return c
}

// Start dials the server. The connection manager's own reconnect loop
// keeps the socket alive afterwards; Start need only be called once.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Close tears down the connection and stops dispatching events.
func (c *Client) Close() error {
	c.unsubscribe()
	return c.conn.Disconnect()
}

func (c *Client) handleEvent(ev conn.Event) {
	switch ev.Type {
	case conn.EventConnectionChange:
		if ev.Open {
			c.onReconnect()
		}
	case conn.EventMessage:
		c.onMessage(ev.Message)
	}
}

// onReconnect re-issues SUBSCRIBE for every resource a live collection
// subscription still needs, then requests a single catch-up SYNC so the
// server only has to resend what changed since this client last saw it
// (SPEC_FULL.md §4.10).
func (c *Client) onReconnect() {
	c.mu.Lock()
	resources := make([]string, 0, len(c.subscribed))
	for resource := range c.subscribed {
		resources = append(resources, resource)
	}
	c.mu.Unlock()
	if len(resources) == 0 {
		return
	}

	for _, resource := range resources {
		c.send(wire.NewSubscribe(idgen.NewMessageID(), resource))
	}
	c.send(wire.NewSyncRequest(idgen.NewMessageID(), c.store.MaxServerTimestamp(), resources))
}

// onMessage dispatches a single incoming envelope per SPEC_FULL.md §4.10:
// SYNC loads a consolidated snapshot, MUTATE applies a non-optimistic
// confirmation/broadcast, REJECT rolls back the matching optimistic
// mutation.
func (c *Client) onMessage(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Error("client: malformed envelope", "error", err)
		return
	}

	ctx := context.Background()
	switch env.Type {
	case wire.TypeSync:
		rows := make(map[string]lww.Payload, len(env.Data))
		for id, payload := range env.Data {
			rows[id] = payload.ToLWW()
		}
		if err := c.store.LoadConsolidatedState(ctx, env.Resource, rows); err != nil {
			slog.Error("client: load consolidated state failed", "resource", env.Resource, "error", err)
		}
	case wire.TypeMutate:
		m := store.Mutation{
			ID:         env.ID,
			Resource:   env.Resource,
			ResourceID: env.ResourceID,
			Procedure:  lww.Procedure(env.Procedure),
			Payload:    env.Payload.ToLWW(),
			Optimistic: false,
		}
		if err := c.store.AddMutation(ctx, m); err != nil {
			slog.Error("client: apply server mutation failed", "resource", env.Resource, "id", env.ResourceID, "error", err)
		}
	case wire.TypeReject:
		if err := c.store.UndoMutation(ctx, env.Resource, env.ID); err != nil {
			slog.Warn("client: undo for rejected mutation failed", "resource", env.Resource, "mutationId", env.ID, "error", err)
		}
	}
}

func (c *Client) send(env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("client: failed to marshal envelope", "type", env.Type, "error", err)
		return
	}
	if err := c.conn.Send(data); err != nil {
		slog.Error("client: failed to send envelope", "type", env.Type, "error", err)
	}
}

// Subscribe registers a live collection subscription against the local
// store and sends SUBSCRIBE for every resource the query newly touches
// (its root plus every included relation's target). The returned
// unsubscribe drops the store subscription and this client's reference
// count; the wire protocol has no UNSUBSCRIBE message, so a resource
// that falls to zero references simply stops being re-subscribed on the
// next reconnect.
func (c *Client) Subscribe(query queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error) {
	resources, err := c.flatResources(query)
	if err != nil {
		return nil, err
	}

	unsubStore, err := c.store.Subscribe(query, cb)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	var toSend []string
	for _, resource := range resources {
		if c.subscribed[resource] == 0 {
			toSend = append(toSend, resource)
		}
		c.subscribed[resource]++
	}
	c.mu.Unlock()
	for _, resource := range toSend {
		c.send(wire.NewSubscribe(idgen.NewMessageID(), resource))
	}

	return func() {
		unsubStore()
		c.mu.Lock()
		for _, resource := range resources {
			if c.subscribed[resource] > 0 {
				c.subscribed[resource]--
				if c.subscribed[resource] == 0 {
					delete(c.subscribed, resource)
				}
			}
		}
		c.mu.Unlock()
	}, nil
}

func (c *Client) flatResources(query queryshape.RawQueryRequest) ([]string, error) {
	res, err := c.registry.Get(query.Resource)
	if err != nil {
		return nil, err
	}
	out := []string{query.Resource}
	for relName, nested := range query.Include {
		rel, ok := res.Relation(relName)
		if !ok {
			return nil, fmt.Errorf("client: %q is not a declared relation of %q", relName, query.Resource)
		}
		nestedQuery := queryshape.RawQueryRequest{Resource: rel.Target}
		if nested != nil {
			nestedQuery.Include = nested.Include
		}
		sub, err := c.flatResources(nestedQuery)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// Mutate submits a mutation: applies it to the store optimistically, then
// sends it over the wire. The returned mutation id correlates the
// server's eventual MUTATE echo or REJECT; callers do not need to track
// it themselves since onMessage resolves both against the optimistic
// stack automatically.
func (c *Client) Mutate(ctx context.Context, resource, resourceID string, procedure lww.Procedure, fields map[string]any) (string, error) {
	res, err := c.registry.Get(resource)
	if err != nil {
		return "", err
	}

	now := nowTimestamp()
	payload := make(lww.Payload, len(fields))
	for field, value := range fields {
		if _, ok := res.Field(field); !ok {
			return "", fmt.Errorf("client: %q is not a declared field of %q", field, resource)
		}
		payload[field] = lww.FieldValue{Value: value, Timestamp: now}
	}

	id := idgen.NewMessageID()
	m := store.Mutation{
		ID:         id,
		Resource:   resource,
		ResourceID: resourceID,
		Procedure:  procedure,
		Payload:    payload,
		Optimistic: true,
	}
	if err := c.store.AddMutation(ctx, m); err != nil {
		return "", err
	}

	c.send(wire.NewMutate(id, resource, resourceID, string(procedure), wire.PayloadFromLWW(payload)))
	return id, nil
}
