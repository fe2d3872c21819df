package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Server exposes /metrics and /healthz.
type Server struct {
	srv     *http.Server
	logger  *log.Logger
	lastRun atomic.Int64
}

// NewServer builds the HTTP server for addr.
func NewServer(addr string, rec *Recorder, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(rec.Handler()))
	router.GET("/healthz", s.healthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// MarkRun records when the last check run started, reported by /healthz.
func (s *Server) MarkRun(at time.Time) {
	s.lastRun.Store(at.Unix())
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if last := s.lastRun.Load(); last > 0 {
		body["last_run"] = time.Unix(last, 0).UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("metrics listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
