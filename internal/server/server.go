// Package server exposes a store.Store over HTTP so workers on other
// machines can share studies with `--storage http://host:port`. Next to the
// store primitives it serves study views for people: a summary, the best
// trial, the contour page and a live stream of resolved trials.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/pidtune/internal/metrics"
	"github.com/cwbudde/pidtune/internal/store"
)

// Server represents the HTTP server
type Server struct {
	store       store.Store
	addr        string
	broadcaster *EventBroadcaster
	engine      *gin.Engine
	server      *http.Server
}

// NewServer creates a server for st listening on addr.
func NewServer(st store.Store, addr string) *Server {
	s := &Server{
		store:       st,
		addr:        addr,
		broadcaster: NewEventBroadcaster(),
	}
	s.engine = s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Broadcaster returns the event broadcaster of resolved trials.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(), corsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/studies", s.handleCreateStudy)
	v1.GET("/studies", s.handleListStudies)

	st := v1.Group("/studies/:name")
	st.GET("", s.handleGetStudy)
	st.DELETE("", s.handleDeleteStudy)
	st.GET("/trials", s.handleReadAll)
	st.POST("/trials", s.handleEnqueue)
	st.POST("/trials/claimed", s.handleCreateClaimed)
	st.POST("/trials/:id/heartbeat", s.handleHeartbeat)
	st.POST("/trials/:id/commit", s.handleCommit)
	st.POST("/claim", s.handleClaimNext)
	st.POST("/reclaim", s.handleReclaim)

	st.GET("/summary", s.handleSummary)
	st.GET("/best", s.handleBest)
	st.GET("/contour", s.handleContour)
	st.GET("/events", s.handleStream)
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.broadcaster.Close()
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests and counts them per route
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		slog.Debug("HTTP request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", code, "duration", time.Since(start))
	}
}
