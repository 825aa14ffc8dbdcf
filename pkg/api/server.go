// Package api is the HTTP front end: it accepts election runs, reports their
// progress and exposes cluster and target state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"egcoord/pkg/api/middleware"
	"egcoord/pkg/auth"
	"egcoord/pkg/coordination"
	"egcoord/pkg/logger"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage"
)

// Prober measures a remote service's targets on demand.
type Prober interface {
	Service() string
	MeasureLatencies(ctx context.Context) ([]resolver.Latency, error)
}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	log        *zap.Logger

	runs        storage.RunStore
	queue       storage.Queue
	coordinator coordination.Coordinator
	leadership  coordination.Leadership
	probers     []Prober
}

type Config struct {
	Port        string
	ServiceName string
	BodyLimit   int64
	RateLimit   middleware.RateLimiterConfig
	// JWT enables bearer authentication when set.
	JWT *auth.JWTService

	Runs        storage.RunStore
	Queue       storage.Queue
	Coordinator coordination.Coordinator
	// Leadership answers /cluster/leader; it never campaigns.
	Leadership coordination.Leadership
	Probers    []Prober
	Logger     *zap.Logger
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.ServiceName == "" {
		cfg.ServiceName = "egcoord-api"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 8 << 20
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("api")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.RequestLogger(log))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(cfg.BodyLimit))
	if cfg.JWT != nil {
		router.Use(middleware.AuthMiddleware(middleware.AuthConfig{
			JWTService: cfg.JWT,
			SkipPaths:  []string{"/health", "/metrics"},
		}))
	}

	s := &Server{
		router:      router,
		limiter:     limiter,
		log:         log,
		runs:        cfg.Runs,
		queue:       cfg.Queue,
		coordinator: cfg.Coordinator,
		leadership:  cfg.Leadership,
		probers:     cfg.Probers,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", middleware.RequireRole(auth.RoleOperator), s.createRun)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.GET("/:id/stages", s.listStages)
		}

		v1.GET("/targets", s.listTargets)

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/workers", s.listWorkers)
			cluster.GET("/leader", s.getLeader)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"run_store":   s.runs != nil,
		"queue":       s.queue != nil,
		"coordinator": s.coordinator != nil,
	}
	status, httpStatus := "healthy", http.StatusOK
	for _, ok := range deps {
		if !ok {
			status, httpStatus = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
