// Package api exposes the read and trigger HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/observability"
	"treasury-metrics/internal/service"
	"treasury-metrics/internal/storage"
)

// Engine is the part of service.Service the HTTP layer uses.
type Engine interface {
	CurrentMetrics(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error)
	RunAggregationCycle(ctx context.Context, assetID string) (*service.Cycle, error)
	RunAggregationCycleWithSupply(ctx context.Context, assetID string, totalSupply decimal.Decimal) (*service.Cycle, error)
}

// Options tune the HTTP server.
type Options struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	StaleAfter    time.Duration
	// RefreshRate is the sustained number of refreshes per second; zero disables limiting.
	RefreshRate  float64
	RefreshBurst int
}

// Server serves snapshots and accepts refresh triggers.
type Server struct {
	engine  Engine
	metrics *observability.Metrics
	limiter *rate.Limiter
	opts    Options
	router  *gin.Engine
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds the router. metrics may be nil, in which case /metrics is not mounted.
func New(opts Options, engine Engine, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = domain.DefaultStaleAfter
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	s := &Server{
		engine:  engine,
		metrics: metrics,
		opts:    opts,
		logger:  logger.With().Str("component", "http").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if opts.RefreshRate > 0 {
		burst := opts.RefreshBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RefreshRate), burst)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/healthz", s.health)
	v1 := router.Group("/v1")
	v1.GET("/assets/:asset/metrics", s.getMetrics)
	v1.POST("/assets/:asset/refresh", s.refresh)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return ctx.Err()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getMetrics(c *gin.Context) {
	asset := c.Param("asset")

	threshold := s.opts.StaleAfter
	if raw := c.Query("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid max_age %q", raw)})
			return
		}
		threshold = d
	}

	snap, err := s.engine.CurrentMetrics(c.Request.Context(), asset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSnapshotResponse(*snap, s.now(), threshold))
}

func (s *Server) refresh(c *gin.Context) {
	asset := c.Param("asset")

	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.RefreshDenied.Inc()
		}
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "refresh rate limit exceeded"})
		return
	}

	var req RefreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	var (
		cycle *service.Cycle
		err   error
	)
	if req.TotalSupply != "" {
		supply, parseErr := decimal.NewFromString(req.TotalSupply)
		if parseErr != nil || !supply.IsPositive() {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid total_supply %q", req.TotalSupply)})
			return
		}
		cycle, err = s.engine.RunAggregationCycleWithSupply(c.Request.Context(), asset, supply)
	} else {
		cycle, err = s.engine.RunAggregationCycle(c.Request.Context(), asset)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RefreshResponse{
		Snapshot:   newSnapshotResponse(cycle.Snapshot, s.now(), s.opts.StaleAfter),
		Attempts:   newAttemptResponses(cycle.Attempts),
		Superseded: cycle.Superseded,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnknownAsset), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrHoldingsUnavailable), errors.Is(err, service.ErrPersistence):
		status = http.StatusServiceUnavailable
	case service.StageOf(err) == service.StageCancelled:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Stage: service.StageOf(err)})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}
