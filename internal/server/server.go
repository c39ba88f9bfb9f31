// Package server exposes sandboxes over HTTP. Remote hosts connect to
// /bridge via websocket and speak the bridge protocol against a dedicated
// sandbox per connection; /health and /metrics serve operations.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge/wsbridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/config"
	"github.com/GriffinCanCode/ScriptBridge/internal/logging"
	"github.com/GriffinCanCode/ScriptBridge/internal/monitoring"
	"github.com/GriffinCanCode/ScriptBridge/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server runs the sandbox endpoint.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics
	router  *gin.Engine
	srv     *http.Server

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
}

type connection struct {
	br *wsbridge.Conn
	sb *sandbox.Sandbox
}

// New creates a server. Run starts it.
func New(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		conns:   make(map[*connection]struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/bridge", s.handleBridge)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("sandbox server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and disposes every live sandbox.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*connection]struct{})
	srv := s.srv
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.br.Dispose()
		_ = c.sb.Dispose()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sandboxes": n,
	})
}

// handleBridge upgrades the connection and binds a fresh sandbox to it. The
// sandbox lives exactly as long as the connection.
func (s *Server) handleBridge(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	br := wsbridge.Wrap(ws, s.log)
	sb := sandbox.New(sandbox.Options{
		Logger:      s.log,
		ExecTimeout: s.cfg.Sandbox.ExecTimeout,
	})
	unlisten := sb.Attach(br)
	conn := &connection{br: br, sb: sb}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unlisten()
		_ = br.Dispose()
		_ = sb.Dispose()
		return
	}
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.Set(float64(n))
	}
	s.log.Info("host connected", zap.String("remote", ws.RemoteAddr().String()))

	<-br.Done()

	s.mu.Lock()
	delete(s.conns, conn)
	n = len(s.conns)
	s.mu.Unlock()

	unlisten()
	_ = br.Dispose()
	_ = sb.Dispose()
	if s.metrics != nil {
		s.metrics.WSConnections.Set(float64(n))
	}
	s.log.Info("host disconnected", zap.String("remote", ws.RemoteAddr().String()))
}
