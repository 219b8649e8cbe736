package conn

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
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

func noCredentials(context.Context) (url.Values, error) { return nil, nil }

func TestConnectEmitsOpenAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte("hello"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	m := New(wsURL(srv), noCredentials)

	var mu sync.Mutex
	var events []Event
	m.On(func(ev Event) {
		// State transitions are reported as separate connectionChange
		// events; this test only looks at the open/message stream.
		if ev.Type == EventConnectionChange {
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	deadline := time.After(1 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for open+message events")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != EventOpen {
		t.Fatalf("expected first event open, got %+v", events[0])
	}
	var sawMessage bool
	for _, ev := range events {
		if ev.Type == EventMessage && string(ev.Message) == "hello" {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Fatalf("expected a message event carrying 'hello', got %+v", events)
	}
}

func TestCredentialsEncodedInQueryString(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Query().Get("token")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	creds := func(context.Context) (url.Values, error) {
		return url.Values{"token": {"sekrit"}}, nil
	}
	m := New(wsURL(srv), creds)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	select {
	case token := <-received:
		if token != "sekrit" {
			t.Fatalf("expected token=sekrit in query string, got %q", token)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("server never saw a connection")
	}
}

func TestDisconnectIsSticky(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.Close() // immediately close, forcing a read error
	}))
	defer srv.Close()

	m := New(wsURL(srv), noCredentials, WithReconnectLimit(1), WithBackoff(5*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if m.State() != StateClosed {
		t.Fatalf("expected state closed after Disconnect, got %v", m.State())
	}
}
