package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liveframe/liveframe/pkg/client"
	"github.com/liveframe/liveframe/pkg/conn"
	"github.com/liveframe/liveframe/pkg/graph"
	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryengine"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/session"
	"github.com/liveframe/liveframe/pkg/storage/memstore"
	"github.com/liveframe/liveframe/pkg/store"
)

// wsRawConn adapts a *websocket.Conn to session.RawConn for the server
// side of these tests, the same shape cmd/liveframed wires in production.
type wsRawConn struct{ ws *websocket.Conn }

func (c wsRawConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c wsRawConn) Write(ctx context.Context, data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c wsRawConn) Close() error { return c.ws.Close() }

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func widgetsRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	if err := reg.Register(schema.ResourceDef{
		Name:   "widgets",
		Fields: []schema.Field{{Name: "label", Kind: schema.KindString}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	return reg
}

func startServer(t *testing.T, reg *schema.Registry, guards *queryengine.Router) (*httptest.Server, *memstore.Store) {
	t.Helper()
	backend := memstore.New()
	if err := backend.Init(context.Background(), reg); err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(backend, reg, guards, nil, time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx := session.DefaultContextProvider(r.Context(), r.Header)
		mgr.HandleConnection(r.Context(), ctx, wsRawConn{ws: ws})
	}))
	t.Cleanup(srv.Close)
	return srv, backend
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

func noCredentials(context.Context) (url.Values, error) { return nil, nil }

func newClient(reg *schema.Registry, srv *httptest.Server) *client.Client {
	st := store.New(reg, store.NewMemKV(), graph.New())
	connMgr := conn.New(wsURL(srv), noCredentials)
	return client.New(reg, st, connMgr)
}

func TestMutateRoundTripsThroughServer(t *testing.T) {
	reg := widgetsRegistry(t)
	srv, backend := startServer(t, reg, nil)
	c := newClient(reg, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var lastRows []map[string]any
	unsubscribe, err := c.Subscribe(queryshape.RawQueryRequest{Resource: "widgets"}, func(rows []map[string]any) {
		mu.Lock()
		lastRows = rows
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := c.Mutate(ctx, "widgets", "w1", lww.ProcedureInsert, map[string]any{"label": "gizmo"}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(lastRows)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for subscription to observe the server-confirmed row")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	got := lastRows[0]["label"]
	mu.Unlock()
	if got != "gizmo" {
		t.Fatalf("expected label=gizmo, got %v", got)
	}

	row, ok, err := backend.GetOne(context.Background(), "widgets", "w1")
	if err != nil || !ok {
		t.Fatalf("expected server storage to have persisted w1: ok=%v err=%v", ok, err)
	}
	if row["label"].Value != "gizmo" {
		t.Fatalf("expected server row label=gizmo, got %+v", row)
	}
}

func TestMutateRejectionRollsBackOptimisticRow(t *testing.T) {
	reg := widgetsRegistry(t)

	// A postMutation guard that only ever allows label="allowed" forces
	// every insert in this test to be rejected by the server, exercising
	// the REJECT -> UndoMutation rollback path end to end.
	guards := queryengine.NewRouter()
	guards.Register("widgets", session.ActionPostMutation, queryengine.GuardFunc(func(ctx context.Context) (queryshape.Where, error) {
		return queryshape.Where{"label": "allowed"}, nil
	}))

	srv, backend := startServer(t, reg, guards)
	c := newClient(reg, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var lastRows []map[string]any
	unsubscribe, err := c.Subscribe(queryshape.RawQueryRequest{Resource: "widgets"}, func(rows []map[string]any) {
		mu.Lock()
		lastRows = rows
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := c.Mutate(ctx, "widgets", "w1", lww.ProcedureInsert, map[string]any{"label": "denied"}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// The optimistic row is visible immediately, synchronously.
	mu.Lock()
	n := len(lastRows)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected optimistic row visible synchronously, got %d rows", n)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(lastRows)
		mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the rejected mutation to be rolled back")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok, _ := backend.GetOne(context.Background(), "widgets", "w1"); ok {
		t.Fatal("expected server storage to never have persisted the rejected row")
	}
}
