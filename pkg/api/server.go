// Package api is the transport surface: JSON-RPC 2.0 over HTTP POST /rpc
// (single and batch) and over the WebSocket at /ws, which carries the same
// envelope interleaved with event subscription control frames. Method
// semantics live in the registry handlers; this package owns framing,
// routing, and process-level endpoints (/healthz, /metrics).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/hooks"
	"github.com/cobehq/cobe/pkg/instance"
	"github.com/cobehq/cobe/pkg/registry"
	"github.com/cobehq/cobe/pkg/sink"
	"github.com/cobehq/cobe/pkg/store"
	"github.com/cobehq/cobe/pkg/swarm"
	"github.com/cobehq/cobe/pkg/taskqueue"
)

// Server ties the method registry to its transports.
type Server struct {
	cfg         *config.Config
	echo        *echo.Echo
	httpServer  *http.Server
	registry    *registry.Registry
	store       *store.Store
	sink        *sink.Sink
	bus         *events.Bus
	connManager *events.ConnectionManager
	coordinator *swarm.Coordinator
	validator   *hooks.Validator
	queue       *taskqueue.Queue
	instances   *instance.Manager
	startedAt   time.Time
}

// Deps carries the wired components the server dispatches into. Sink may be
// nil: postgres methods then report the sink unavailable and persistence is
// skipped.
type Deps struct {
	Store       *store.Store
	Sink        *sink.Sink
	Bus         *events.Bus
	ConnManager *events.ConnectionManager
	Coordinator *swarm.Coordinator
	Validator   *hooks.Validator
	Queue       *taskqueue.Queue
	Instances   *instance.Manager
}

// NewServer builds the server, registers the full method catalog, and wires
// the RPC envelope onto the WebSocket channel.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		echo:        echo.New(),
		store:       deps.Store,
		sink:        deps.Sink,
		bus:         deps.Bus,
		connManager: deps.ConnManager,
		coordinator: deps.Coordinator,
		validator:   deps.Validator,
		queue:       deps.Queue,
		instances:   deps.Instances,
		startedAt:   time.Now(),
	}
	s.registry = registry.New(s.persistResult)
	s.registerSystemMethods()
	s.registerTaskMethods()
	s.registerSwarmMethods()
	s.registerHookMethods()
	s.registerDocsMethods()

	s.echo.Use(securityHeaders())
	s.echo.POST("/rpc", s.rpcHandler)
	s.echo.GET("/ws", s.wsHandler)
	s.echo.GET("/healthz", s.healthzHandler)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if s.connManager != nil {
		s.connManager.SetRPCHandler(s.dispatchWSEnvelope)
	}
	return s
}

// Registry exposes the method table, mainly for startup logging.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin enforcement is the proxy's job
	})
	if err != nil {
		return err
	}
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}

// healthzHandler is the liveness probe: a thin wrapper over system.health.
func (s *Server) healthzHandler(c *echo.Context) error {
	result, rpcErr := s.registry.Dispatch(c.Request().Context(), "system.health", clientID(c), nil)
	if rpcErr != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, rpcErr.Message)
	}
	status := http.StatusOK
	if h, ok := result.(*HealthResult); ok && h.Status == healthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, result)
}

// clientID identifies the caller for rate limiting: the explicit header
// when present, the peer address otherwise.
func clientID(c *echo.Context) string {
	if id := c.Request().Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return c.Request().RemoteAddr
}

func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// defaultRate returns the config-wide per-client token bucket.
func (s *Server) defaultRate() *registry.RateLimitRule {
	return &registry.RateLimitRule{
		Capacity:     s.cfg.Registry.RateCapacity,
		RefillPerSec: s.cfg.Registry.RateRefillPerSec,
	}
}

// readCache returns the config-wide result cache for read-only methods.
func (s *Server) readCache(keyFields ...string) *registry.CacheRule {
	return &registry.CacheRule{
		TTL:       s.cfg.Registry.CacheTTL,
		KeyFields: keyFields,
		MaxSize:   s.cfg.Registry.CacheSize,
	}
}

// providerCircuit returns the breaker wrapped around methods that reach the
// sampling provider.
func (s *Server) providerCircuit() *registry.CircuitRule {
	return &registry.CircuitRule{
		Failures:      s.cfg.Registry.CircuitFailures,
		Trip:          s.cfg.Registry.CircuitTrip,
		HalfOpenAfter: s.cfg.Registry.CircuitHalfOpen,
	}
}

// publish emits a bus event, logging instead of failing the request: the
// mutation has already committed.
func (s *Server) publish(ctx context.Context, stream, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, stream, eventType, payload); err != nil {
		slog.Warn("Event publish failed", "stream", stream, "type", eventType, "error", err)
	}
}
