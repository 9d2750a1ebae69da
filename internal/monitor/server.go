package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/embervoice/avs-client/internal/protocol"
)

// StateSnapshotter exposes the capability states shown on /context.
type StateSnapshotter interface {
	Snapshot() []protocol.CapabilityState
}

// Server hosts the local debug endpoints: health, the capability context
// snapshot and the live activity feed.
type Server struct {
	logger *zap.Logger
	hub    *Hub
	srv    *http.Server
}

// NewServer executes the newServer function.
func NewServer(addr string, states StateSnapshotter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("monitor")
	hub := NewHub(logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/context", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"context": states.Snapshot()})
	})
	router.GET("/ws", func(c *gin.Context) {
		hub.Handle(c.Writer, c.Request)
	})

	return &Server{
		logger: logger,
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: router},
	}
}

// Hub returns the activity feed for wiring into the connection observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info("monitor listening", zap.String("addr", s.srv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close(shutdownCtx)
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
