// Package server exposes the analysis worker over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Belluxx/Perplex/internal/config"
	"github.com/Belluxx/Perplex/internal/logger"
	"github.com/Belluxx/Perplex/internal/worker"
)

// Worker is the part of the analysis worker the handlers use.
type Worker interface {
	Loaded(ctx context.Context) (worker.Event, error)
	Ready() bool
	Analyze(ctx context.Context, text string) (<-chan worker.Event, error)
	CountTokens(ctx context.Context, text string) (int, error)
}

type Server struct {
	cfg    config.Config
	worker Worker
	router *gin.Engine
	log    *logger.Logger
	start  time.Time
}

func New(cfg config.Config, w Worker) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		worker: w,
		router: gin.New(),
		log:    logger.Log.Component("server"),
		start:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(s.requestLogger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", requestIDHeader)
	if len(s.cfg.AllowedOrigins) == 0 || (len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", s.handleHealth)
	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/version", s.handleVersion)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(apiKeyAuth(s.cfg.APIKey))
	if s.cfg.RateLimit > 0 {
		api.Use(newIPLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware())
	}
	api.POST("/analyze", s.handleAnalyze)
	api.POST("/analyze/stream", s.handleAnalyzeStream)
	api.POST("/tokenize", s.handleTokenize)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("HTTP server shutting down")
	return srv.Shutdown(shutdownCtx)
}
