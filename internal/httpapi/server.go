// Package httpapi serves the read API, event ingestion and the live
// stream of created records over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/query"
)

// Facade is the read side the API serves.
type Facade interface {
	List(ctx context.Context, p query.ListParams) (activity.Page, error)
	ShowLatest(ctx context.Context, objectType string, ids []int64, lastModifiedAt *time.Time) ([]json.RawMessage, error)
	ShowLatestDetailed(ctx context.Context, objectType string, ids []int64, lastModifiedAt *time.Time) ([]query.Latest, error)
	ParseCursor(s string) (*time.Time, error)
}

// Publisher accepts ingested events.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Server holds the API dependencies. Construct with New.
type Server struct {
	facade    Facade
	publisher Publisher
	hub       *Hub
	metrics   http.Handler
	origins   []string
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHub enables GET /activity-logs/stream.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics serves h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCORSOrigins sets the allowed origins of both CORS requests and
// stream upgrades. Empty allows all.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server. publisher may be nil to disable POST /events.
func New(facade Facade, publisher Publisher, opts ...Option) *Server {
	s := &Server{
		facade:    facade,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("activitylog"))

	policy := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.publisher != nil {
		router.POST("/events", s.postEvent)
	}
	logs := router.Group("/activity-logs")
	logs.GET("", s.list)
	logs.GET("/latest", s.showLatest)
	if s.hub != nil {
		upgrader := newUpgrader(policy.OriginAllowed)
		logs.GET("/stream", func(c *gin.Context) { s.hub.serve(c, upgrader) })
	}
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	return policy.Handler(router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
