package liveframed

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liveframe/liveframe/pkg/config"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(schema.ResourceDef{
		Name: "widgets",
		Fields: []schema.Field{
			{Name: "label", Kind: schema.KindString},
		},
	}))
	require.NoError(t, registry.Finalize())

	return &config.Config{
		StorageDSN:       "memory",
		AllowedWSOrigins: []string{"*"},
		WriteTimeout:     5 * time.Second,
		Resources:        map[string]config.ResourceYAML{"widgets": {}},
		Registry:         registry,
	}
}

func TestHealthHandlerReportsResourceCount(t *testing.T) {
	cfg := testConfig(t)
	engine, err := Bootstrap(t.Context(), cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(engine.Server.echo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(1), body["resources"])
}

func TestMutateHandlerInsertsAndQueryHandlerReadsBack(t *testing.T) {
	cfg := testConfig(t)
	engine, err := Bootstrap(t.Context(), cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(engine.Server.echo)
	defer srv.Close()

	body, err := json.Marshal(wire.MutateRequest{
		ResourceID: "w1",
		Payload: wire.Payload{
			"label": {Value: "gizmo", Meta: wire.FieldMeta{Timestamp: "2024-01-01T00:00:00Z"}},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/widgets/INSERT", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var mutated wire.MutateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mutated))
	require.True(t, mutated.Accepted)

	resp2, err := http.Get(srv.URL + "/widgets")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var queried wire.QueryResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&queried))
	require.Len(t, queried.Data, 1)
}

func TestSessionsHandlerReportsEmptyWhenNoConnections(t *testing.T) {
	cfg := testConfig(t)
	engine, err := Bootstrap(t.Context(), cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(engine.Server.echo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Empty(t, sessions)
}
