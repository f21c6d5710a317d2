package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"treasury-agent/internal/gate"
	"treasury-agent/internal/store"
)

// Evaluator runs the analysis gate for one asset.
type Evaluator interface {
	Evaluate(ctx context.Context, req gate.Request) (gate.Decision, error)
}

// QueueReader is the read-only slice of the repository the API exposes.
type QueueReader interface {
	ListAll(ctx context.Context) ([]store.Suggestion, error)
	ListPending(ctx context.Context) ([]store.Suggestion, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Options parameterise the HTTP server.
type Options struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
	Environment     string
}

// Server exposes the suggestion queue and on-demand analysis over HTTP. It
// never submits proposals; that stays with the scheduled agent tick.
type Server struct {
	opts      Options
	evaluator Evaluator
	queue     QueueReader
	logger    zerolog.Logger
	engine    *gin.Engine
	http      *http.Server
}

type analyzeRequest struct {
	// Identifier is a token address or a lookup handle.
	Identifier string `json:"identifier" binding:"required"`
	// Threshold optionally overrides the configured confidence bar. Absent
	// means the default; zero is a legal explicit override.
	Threshold   *float64 `json:"threshold"`
	SubmitterID string   `json:"submitterId"`
}

// New builds the server and its routes.
func New(opts Options, evaluator Evaluator, queue QueueReader, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:      opts,
		evaluator: evaluator,
		queue:     queue,
		logger:    logger.With().Str("component", "server").Logger(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)

	api := engine.Group("/api/v1")
	api.GET("/queue", s.handleQueue)
	api.GET("/queue/stats", s.handleQueueStats)
	api.POST("/analyze", s.handleAnalyze)

	s.engine = engine
	s.http = &http.Server{
		Addr:    opts.ListenAddr,
		Handler: engine,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleQueue(c *gin.Context) {
	var (
		suggestions []store.Suggestion
		err         error
	)

	switch status := c.Query("status"); status {
	case "":
		suggestions, err = s.queue.ListAll(c.Request.Context())
	case string(store.StatusPending):
		suggestions, err = s.queue.ListPending(c.Request.Context())
	default:
		filter := store.Status(status)
		if !filter.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
		var all []store.Suggestion
		all, err = s.queue.ListAll(c.Request.Context())
		if err == nil {
			suggestions = make([]store.Suggestion, 0, len(all))
			for _, sug := range all {
				if sug.Status == filter {
					suggestions = append(suggestions, sug)
				}
			}
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("queue listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions, "count": len(suggestions)})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("queue stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAnalyze evaluates one asset and reports the decision. A negative
// verdict is still HTTP 200; error statuses are reserved for infrastructure
// failures such as an unreachable market data source.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
		return
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be within [0,1]"})
		return
	}

	decision, err := s.evaluator.Evaluate(c.Request.Context(), gate.Request{
		Identifier:  req.Identifier,
		Threshold:   req.Threshold,
		Source:      store.SourceUser,
		SubmitterID: req.SubmitterID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("identifier", req.Identifier).Msg("analysis failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	}
}
