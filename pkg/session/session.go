// Package session is the server-side half of the duplex protocol
// (spec.md §4.6): one Manager per process tracking every open
// connection, adapted directly from the teacher's
// pkg/events.ConnectionManager — the channels/connections map pair
// becomes a resource/connection map pair, and Postgres LISTEN/NOTIFY
// becomes the LWW merge-then-broadcast path.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryengine"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/storage"
	"github.com/liveframe/liveframe/pkg/telemetry"
	"github.com/liveframe/liveframe/pkg/wire"
)

// Route guard actions registered on the shared *queryengine.Router.
// ActionRead lives in queryengine (query-step authorisation); these two
// live here because they only make sense in the context of a mutation.
const (
	ActionPreMutation  = "preMutation"
	ActionPostMutation = "postMutation"
)

// RawConn abstracts the transport a Connection is built on. The
// production implementation wraps a *coder/websocket.Conn; tests use an
// in-memory fake so the dispatch logic below never needs a real socket.
type RawConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Connection is one client's session state: which resources it is
// subscribed to, under which client-supplied subscription ids (an
// envelope's `_id`), and the ctx DefaultContextProvider derived from its
// connection headers.
type Connection struct {
	ID  string
	ctx context.Context

	conn RawConn

	// subscriptions: resource -> set of subscription ids this connection
	// holds for that resource (spec.md §4.6's "subscriptions:
	// Map<resource, Set<clientId>>", clientId being the envelope id the
	// client subscribed under, not another connection's id).
	mu            sync.Mutex
	subscriptions map[string]map[string]bool
}

func newConnection(id string, ctx context.Context, conn RawConn) *Connection {
	return &Connection{
		ID:            id,
		ctx:           ctx,
		conn:          conn,
		subscriptions: make(map[string]map[string]bool),
	}
}

func (c *Connection) addSubscription(resource, subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[resource] == nil {
		c.subscriptions[resource] = make(map[string]bool)
	}
	c.subscriptions[resource][subID] = true
}

func (c *Connection) resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for r := range c.subscriptions {
		out = append(out, r)
	}
	return out
}

// Manager holds every open Connection and the reverse index (resource ->
// subscribed connection ids) Broadcast fans a mutation out over. One
// Manager per process, same as the teacher's ConnectionManager.
type Manager struct {
	storage  storage.Storage
	registry *schema.Registry
	guards   *queryengine.Router
	procs    *ProcedureRegistry

	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection

	subMu          sync.RWMutex
	resourceSubs   map[string]map[string]bool // resource -> connID -> bool
}

// NewManager builds a Manager. guards may be nil (no route guards
// registered anywhere); procs may be nil (no custom procedures).
func NewManager(backend storage.Storage, registry *schema.Registry, guards *queryengine.Router, procs *ProcedureRegistry, writeTimeout time.Duration) *Manager {
	if guards == nil {
		guards = queryengine.NewRouter()
	}
	if procs == nil {
		procs = NewProcedureRegistry()
	}
	return &Manager{
		storage:      backend,
		registry:     registry,
		guards:       guards,
		procs:        procs,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
		resourceSubs: make(map[string]map[string]bool),
	}
}

// HandleConnection runs a connection's read loop until the connection
// closes or parentCtx is cancelled. ctx is the connection-scoped context
// DefaultContextProvider (or an application's own ContextProvider)
// derived from the upgrade request's headers; it is passed to every guard
// Check call this connection triggers.
func (m *Manager) HandleConnection(parentCtx context.Context, ctx context.Context, conn RawConn) {
	connID := uuid.New().String()
	c := newConnection(connID, ctx, conn)

	m.register(c)
	defer m.unregister(c)

	for {
		data, err := conn.Read(parentCtx)
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("session: invalid envelope", "connection_id", connID, "error", err)
			continue
		}
		m.handleEnvelope(parentCtx, c, env)
	}
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	telemetry.Metrics.ConnectionsActive.Add(context.Background(), 1)
}

func (m *Manager) unregister(c *Connection) {
	for _, resource := range c.resources() {
		m.removeSubscriber(resource, c.ID)
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	_ = c.conn.Close()
	telemetry.Metrics.ConnectionsActive.Add(context.Background(), -1)
}

func (m *Manager) addSubscriber(resource, connID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.resourceSubs[resource] == nil {
		m.resourceSubs[resource] = make(map[string]bool)
	}
	m.resourceSubs[resource][connID] = true
}

func (m *Manager) removeSubscriber(resource, connID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if subs, ok := m.resourceSubs[resource]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.resourceSubs, resource)
		}
	}
}

// handleEnvelope dispatches a single incoming envelope by Type.
func (m *Manager) handleEnvelope(ctx context.Context, c *Connection, env wire.Envelope) {
	switch env.Type {
	case wire.TypeSubscribe:
		m.handleSubscribe(ctx, c, env)
	case wire.TypeSync:
		m.handleSync(ctx, c, env)
	case wire.TypeMutate:
		m.handleMutate(ctx, c, env)
	default:
		slog.Warn("session: unhandled envelope type", "connection_id", c.ID, "type", env.Type)
	}
}

// handleSubscribe registers the client for a resource and sends a full
// SYNC bootstrap (spec.md §4.6: "On SUBSCRIBE: add the client, send a SYNC
// for the resource").
func (m *Manager) handleSubscribe(ctx context.Context, c *Connection, env wire.Envelope) {
	c.addSubscription(env.Resource, env.ID)
	m.addSubscriber(env.Resource, c.ID)

	data, err := m.readVisibleRows(ctx, c, env.Resource, nil)
	if err != nil {
		slog.Error("session: subscribe bootstrap failed", "resource", env.Resource, "error", err)
		return
	}
	m.send(c, wire.NewSyncBootstrap(env.ID, env.Resource, data))
}

// handleSync serves a catch-up request: rows whose field timestamps
// exceed lastSyncedAt, for every named resource (or every resource this
// connection is subscribed to, if Resources is empty).
func (m *Manager) handleSync(ctx context.Context, c *Connection, env wire.Envelope) {
	resources := env.Resources
	if len(resources) == 0 {
		resources = c.resources()
	}
	for _, resource := range resources {
		data, err := m.readVisibleRows(ctx, c, resource, sinceFilter(env.LastSyncedAt))
		if err != nil {
			slog.Error("session: sync failed", "resource", resource, "error", err)
			continue
		}
		m.send(c, wire.NewSyncBootstrap(env.ID, resource, data))
	}
}

// readVisibleRows fetches every row of resource the connection's guard
// (if any registered for ActionRead) permits, additionally filtered by
// extraFilter (used by handleSync for the since-timestamp cut), and
// renders it to wire payloads.
func (m *Manager) readVisibleRows(ctx context.Context, c *Connection, resource string, extraFilter func(lww.Payload) bool) (map[string]wire.Payload, error) {
	where, err := m.checkGuard(c.ctx, resource, queryengine.ActionRead)
	if err != nil {
		return nil, err
	}
	rows, err := m.storage.Get(ctx, resource, where)
	if err != nil {
		return nil, err
	}
	out := make(map[string]wire.Payload, len(rows))
	for id, payload := range rows {
		if extraFilter != nil && !extraFilter(payload) {
			continue
		}
		out[id] = wire.PayloadFromLWW(payload)
	}
	return out, nil
}

// sinceFilter returns a predicate keeping only rows with at least one
// field timestamped strictly after since ("" means "all rows").
func sinceFilter(since string) func(lww.Payload) bool {
	if since == "" {
		return nil
	}
	return func(p lww.Payload) bool {
		for _, fv := range p {
			if fv.Timestamp > since {
				return true
			}
		}
		return false
	}
}

// checkGuard looks up the guard for (resource, action) on the shared
// Router and returns the predicate it yields, or nil if no guard is
// registered for that route.
func (m *Manager) checkGuard(connCtx context.Context, resource, action string) (queryshape.Where, error) {
	return m.guards.Check(connCtx, resource, action)
}

// handleMutate is spec.md §4.6's core mutation pipeline: schema
// validation, preMutation guard, LWW merge (or custom procedure
// transaction), postMutation guard, write, broadcast-including-origin.
func (m *Manager) handleMutate(ctx context.Context, c *Connection, env wire.Envelope) {
	start := time.Now()
	defer func() {
		telemetry.Metrics.MutationLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if err := wire.ValidatePayload(env.Payload); err != nil {
		m.reject(c, env)
		return
	}

	if env.Procedure != string(lww.ProcedureInsert) && env.Procedure != string(lww.ProcedureUpdate) {
		m.handleCustomProcedure(ctx, c, env)
		return
	}

	res, err := m.registry.Get(env.Resource)
	if err != nil {
		m.reject(c, env)
		return
	}

	if _, err := m.checkGuard(c.ctx, env.Resource, ActionPreMutation); err != nil {
		m.reject(c, env)
		return
	}

	payload := env.Payload.ToLWW()
	procedure := lww.Procedure(env.Procedure)

	var prev *lww.Object
	if procedure == lww.ProcedureUpdate {
		existing, ok, err := m.storage.GetOne(ctx, env.Resource, env.ResourceID)
		if err != nil || !ok {
			m.reject(c, env)
			return
		}
		prev = &lww.Object{Values: existing, Timestamp: ""}
	}

	merged, delta, _, err := lww.MergeMutation(res, procedure, payload, prev)
	if err != nil {
		m.reject(c, env)
		return
	}

	if where, err := m.checkGuard(c.ctx, env.Resource, ActionPostMutation); err != nil {
		m.reject(c, env)
		return
	} else if where != nil {
		matched, err := queryshape.EvaluateWhere(where, mergedRow{id: env.ResourceID, values: merged.Values})
		if err != nil || !matched {
			m.reject(c, env)
			return
		}
	}

	if procedure == lww.ProcedureInsert {
		err = m.storage.Insert(ctx, env.Resource, env.ResourceID, merged.Values)
	} else {
		err = m.storage.Update(ctx, env.Resource, env.ResourceID, delta)
	}
	if err != nil {
		slog.Error("session: mutation write failed", "resource", env.Resource, "id", env.ResourceID, "error", err)
		m.reject(c, env)
		return
	}

	telemetry.Metrics.MutationsTotal.Add(ctx, 1)
	m.broadcast(c, env.Resource, wire.NewMutate(env.ID, env.Resource, env.ResourceID, env.Procedure, wire.PayloadFromLWW(delta)))
}

// handleCustomProcedure dispatches to a registered ProcedureHandler,
// running it against a fresh Transaction (spec.md §4.6: "bypass LWW...
// transaction({ trx, commit, rollback })"). A handler error rolls back
// and REJECTs instead of broadcasting.
func (m *Manager) handleCustomProcedure(ctx context.Context, c *Connection, env wire.Envelope) {
	handler, ok := m.procs.Lookup(env.Resource, env.Procedure)
	if !ok {
		slog.Warn("session: no handler registered for procedure",
			"resource", env.Resource, "procedure", env.Procedure, "connection_id", c.ID)
		m.reject(c, env)
		return
	}

	tx := newTransaction(m.storage)
	result, err := handler(ctx, tx, env.ResourceID, env.Payload)
	if err != nil {
		_ = tx.Rollback()
		slog.Warn("session: custom procedure failed", "resource", env.Resource, "procedure", env.Procedure, "error", err)
		m.reject(c, env)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		slog.Error("session: custom procedure commit failed", "resource", env.Resource, "procedure", env.Procedure, "error", err)
		m.reject(c, env)
		return
	}

	m.broadcast(c, env.Resource, wire.NewMutate(env.ID, env.Resource, env.ResourceID, env.Procedure, result))
}

// httpConn is a RawConn for the HTTP mutation fallback (spec.md §6's
// POST /:resource/:procedure): there is no persistent socket to write to,
// so the single envelope handleMutate sends back (MUTATE on success,
// REJECT on failure) is simply captured for HandleMutation to return.
type httpConn struct {
	mu  sync.Mutex
	out wire.Envelope
}

func (h *httpConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *httpConn) Write(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return json.Unmarshal(data, &h.out)
}

func (h *httpConn) Close() error { return nil }

// HandleMutation processes a single MUTATE envelope synchronously and
// returns the resulting envelope (a MUTATE echo on success, a REJECT on
// failure), for callers with no persistent connection to broadcast over —
// the HTTP fallback POST /:resource/:procedure. connCtx is the context
// the mutation's guards evaluate against, typically built by a
// ContextProvider from the HTTP request's headers. The mutation still
// broadcasts to every live WebSocket subscriber of env.Resource exactly
// as if it had arrived over a connection; only the synchronous return
// value to this caller bypasses that path.
func (m *Manager) HandleMutation(ctx, connCtx context.Context, env wire.Envelope) wire.Envelope {
	hc := &httpConn{}
	c := newConnection("http-"+env.ID, connCtx, hc)
	m.handleMutate(ctx, c, env)
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.out
}

// reject sends a REJECT correlating to the mutation's envelope id, to the
// origin only.
func (m *Manager) reject(c *Connection, env wire.Envelope) {
	telemetry.Metrics.RejectionsTotal.Add(context.Background(), 1)
	m.send(c, wire.NewReject(env.ID, env.Resource))
}

// broadcast sends env to every connection currently subscribed to
// resource, and to the mutation's origin whether or not it is subscribed —
// spec.md §4.6: "the origin uses the echo to clear its optimistic entry".
func (m *Manager) broadcast(origin *Connection, resource string, env wire.Envelope) {
	telemetry.Metrics.BroadcastsTotal.Add(context.Background(), 1)
	m.subMu.RLock()
	subs := m.resourceSubs[resource]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.subMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	originSent := false
	for _, conn := range conns {
		if conn == origin {
			originSent = true
		}
		m.send(conn, env)
	}
	if !originSent {
		m.send(origin, env)
	}
}

func (m *Manager) send(c *Connection, env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("session: failed to marshal envelope", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, data); err != nil {
		slog.Warn("session: failed to send envelope", "connection_id", c.ID, "error", err)
	}
}

// ActiveConnections reports the number of open connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SessionInfo is a point-in-time snapshot of one connection's live
// subscriptions, for operator inspection (cmd/liveframectl sessions).
type SessionInfo struct {
	ID        string   `json:"id"`
	Resources []string `json:"resources"`
}

// Sessions snapshots every open connection and the resources it is
// currently subscribed to. The snapshot is not atomic across
// connections — each connection's subscription set is read under its
// own lock — which is fine for an operator inspection tool and avoids
// holding m.mu across a potentially large fan-out.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, SessionInfo{ID: c.ID, Resources: c.resources()})
	}
	return out
}

// mergedRow adapts a merged object's values to queryshape.RowAccessor for
// postMutation guard evaluation.
type mergedRow struct {
	id     string
	values map[string]lww.FieldValue
}

func (r mergedRow) Field(name string) (any, bool) {
	if name == "id" {
		return r.id, true
	}
	fv, ok := r.values[name]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

func (r mergedRow) Relation(string) ([]queryshape.RowAccessor, bool) {
	return nil, false
}
