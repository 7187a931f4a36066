package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"flipbook/internal/models"
	"flipbook/internal/pipeline"
	"flipbook/internal/recovery"
)

type Store interface {
	CreateMagazine(ctx context.Context, m *models.Magazine) error
	GetMagazine(ctx context.Context, id uuid.UUID) (*models.Magazine, error)
	DeleteMagazine(ctx context.Context, id uuid.UUID) error
	SetFilePath(ctx context.Context, id uuid.UUID, path string) error
	ListPages(ctx context.Context, id uuid.UUID) ([]*models.Page, error)
}

type Recovery interface {
	Run(ctx context.Context, op string) (*recovery.Report, error)
	Reprocess(ctx context.Context, id uuid.UUID) (recovery.Result, error)
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	db       Store
	queue    pipeline.Enqueuer
	recovery Recovery
	layout   pipeline.Layout
	log      zerolog.Logger
}

func NewServer(cfg *models.Config, db Store, queue pipeline.Enqueuer, rec Recovery, layout pipeline.Layout, log zerolog.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.MaxMultipartMemory = 32 << 20
	r.Static("/files", cfg.StoragePath)

	s := &Server{
		cfg:      cfg,
		router:   r,
		db:       db,
		queue:    queue,
		recovery: rec,
		layout:   layout,
		log:      log.With().Str("component", "http").Logger(),
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/magazines", s.handleUpload)
	r.GET("/magazines/:id", s.handleGetMagazine)
	r.GET("/magazines/:id/pages", s.handleListPages)
	r.DELETE("/magazines/:id", s.handleDeleteMagazine)
	r.POST("/magazines/:id/reprocess", s.handleReprocess)
	r.POST("/admin/recovery/:operation", s.handleRecovery)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           otelhttp.NewHandler(r, "flipbook-http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid magazine id"})
		return uuid.Nil, false
	}
	return id, true
}

// fail maps store and pipeline errors onto status codes.
func fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case models.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrFileNotFound):
		status = http.StatusConflict
	case errors.Is(err, recovery.ErrUnknownOperation):
		status = http.StatusNotFound
	}
	body := gin.H{"error": err.Error()}
	if kind := models.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
		body["error"] = op + ": " + err.Error()
	}
	c.JSON(status, body)
}
