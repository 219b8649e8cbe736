// Package liveframed is the importable core of the sync engine's daemon:
// the HTTP/WebSocket surface (spec.md §6) plus the bootstrap that wires
// config, storage, the session manager and the query executor together.
// cmd/liveframed's main.go and cmd/liveframectl's "serve" subcommand both
// build on this package rather than duplicating the wiring, the way the
// teacher keeps pkg/api and pkg/events importable by more than one
// cmd/ entry point.
package liveframed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/liveframe/liveframe/pkg/config"
	"github.com/liveframe/liveframe/pkg/idgen"
	"github.com/liveframe/liveframe/pkg/queryengine"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/session"
	"github.com/liveframe/liveframe/pkg/version"
	"github.com/liveframe/liveframe/pkg/wire"
)

// Server mounts the sync engine's WebSocket and HTTP-fallback surface
// (spec.md §6) on github.com/labstack/echo/v5, the teacher's own HTTP
// framework (pkg/api/server.go), with the WebSocket upgrade handled by
// github.com/coder/websocket as the teacher's live events.ConnectionManager
// does, rather than the legacy gorilla-based handler pkg/api/websocket.go
// carries alongside it.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	sessions   *session.Manager
	executor   *queryengine.Executor
	registry   *schema.Registry
}

// NewServer wires routes against the given session manager, query executor
// and registry. cfg.AllowedWSOrigins restricts which Origin headers the
// WebSocket upgrade accepts (spec.md §3).
func NewServer(cfg *config.Config, sessions *session.Manager, executor *queryengine.Executor, registry *schema.Registry) *Server {
	e := echo.New()
	s := &Server{echo: e, cfg: cfg, sessions: sessions, executor: executor, registry: registry}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)
	s.echo.GET("/:resource", s.queryHandler)
	s.echo.POST("/:resource/:procedure", s.mutateHandler)
	s.echo.GET("/admin/sessions", s.sessionsHandler)
}

// healthHandler reports process liveness and the resource count the
// compiled schema carries, mirroring the teacher's healthHandler shape
// without the AI-chat-domain services it also reported on.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     version.Full(),
		"resources":   len(s.cfg.Resources),
		"connections": s.sessions.ActiveConnections(),
	})
}

// wsHandler upgrades the connection and hands it to the session manager,
// exactly as the teacher's handler_ws.go delegates to ConnectionManager.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}
	ctx := session.DefaultContextProvider(c.Request().Context(), c.Request().Header)
	s.sessions.HandleConnection(c.Request().Context(), ctx, wsRawConn{conn})
	return nil
}

// queryHandler serves GET /:resource?query=<json RawQueryRequest>, the
// HTTP fallback for a one-shot (non-subscribing) read.
func (s *Server) queryHandler(c *echo.Context) error {
	resource := c.Param("resource")
	req := queryshape.RawQueryRequest{Resource: resource}
	if raw := c.QueryParam("query"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameter")
		}
		req.Resource = resource
	}

	rows, err := s.executor.Execute(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, wire.QueryResponse{Data: rows})
}

// mutateHandler serves POST /:resource/:procedure with body
// { resourceId?, payload, meta? }, the HTTP fallback for a single mutation
// (spec.md §6). An INSERT without a resourceId is minted one here, mirroring
// pkg/store's client-side id minting for new rows.
func (s *Server) mutateHandler(c *echo.Context) error {
	resource := c.Param("resource")
	procedure := c.Param("procedure")

	var body wire.MutateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resourceID := body.ResourceID
	if resourceID == "" {
		resourceID = idgen.NewResourceID()
	}

	env := wire.NewMutate(idgen.NewMessageID(), resource, resourceID, procedure, body.Payload)
	connCtx := session.DefaultContextProvider(c.Request().Context(), c.Request().Header)
	result := s.sessions.HandleMutation(c.Request().Context(), connCtx, env)

	status := http.StatusOK
	if result.Type == wire.TypeReject {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, wire.NewMutateResponse(resourceID, result))
}

// sessionsHandler serves GET /admin/sessions, the HTTP surface
// cmd/liveframectl's "sessions" subcommand polls for live connection and
// subscription inspection (spec.md's operator tooling).
func (s *Server) sessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.Sessions())
}

// Start serves on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo, ReadHeaderTimeout: 5 * time.Second}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, for tests that need
// a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo, ReadHeaderTimeout: 5 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// wsRawConn adapts *websocket.Conn to session.RawConn.
type wsRawConn struct {
	conn *websocket.Conn
}

func (w wsRawConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w wsRawConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w wsRawConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
