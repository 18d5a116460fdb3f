// Package rest provides the Gin-based REST API server.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/node"
	"github.com/renzhidao/m2/internal/router"
	"github.com/renzhidao/m2/internal/wire"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Node is the control surface the API exposes.
type Node interface {
	Status(ctx context.Context) (node.Status, error)
	Peers(ctx context.Context) ([]node.PeerInfo, error)
	Contacts(ctx context.Context) ([]router.Contact, error)
	Messages(peer string, n int) ([]wire.ChatMessage, error)
	Send(ctx context.Context, text, target string) (wire.ChatMessage, error)
	SuspendCtx(ctx context.Context) error
	ResumeCtx(ctx context.Context) error
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	node   Node
	logger *zap.Logger
}

// New creates a REST Server. Metrics from gatherer are served on /metrics.
func New(n Node, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		node:   n,
		logger: logger,
	}
	s.registerRoutes(gatherer)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/m2")
	{
		api.GET("/status", s.status)
		api.GET("/peers", s.peers)
		api.GET("/contacts", s.contacts)
		api.GET("/messages", s.messages)
		api.POST("/messages", s.send)
		api.POST("/suspend", s.suspend)
		api.POST("/resume", s.resume)
	}
}

func (s *Server) status(c *gin.Context) {
	st, err := s.node.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) peers(c *gin.Context) {
	peers, err := s.node.Peers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if peers == nil {
		peers = []node.PeerInfo{}
	}
	c.JSON(http.StatusOK, peers)
}

func (s *Server) contacts(c *gin.Context) {
	contacts, err := s.node.Contacts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contacts)
}

// messages lists public history, or one conversation with ?peer=.
func (s *Server) messages(c *gin.Context) {
	limit := defaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}
	msgs, err := s.node.Messages(c.Query("peer"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []wire.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

type sendRequest struct {
	Text   string `json:"text" binding:"required"`
	Target string `json:"target"`
}

func (s *Server) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.node.Send(c.Request.Context(), req.Text, req.Target)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (s *Server) suspend(c *gin.Context) {
	if err := s.node.SuspendCtx(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": node.PhaseSuspended.String()})
}

func (s *Server) resume(c *gin.Context) {
	if err := s.node.ResumeCtx(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": node.PhaseRunning.String()})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrEmptyMessage):
		code = http.StatusBadRequest
	case errors.Is(err, node.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	default:
		s.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
