package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/apiserver/handlers"
	"github.com/flowforge/taskflow/pkg/apiserver/middleware"
	"github.com/flowforge/taskflow/pkg/config"
	"github.com/flowforge/taskflow/pkg/engine"
	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/store"
)

type Server struct {
	router *gin.Engine
	tasks  store.TaskStore
	bus    *eventbus.Bus
	engine *engine.Engine
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(cfg *config.Config, tasks store.TaskStore, bus *eventbus.Bus, engine *engine.Engine, logger *zap.Logger) *Server {
	s := &Server{
		tasks:  tasks,
		bus:    bus,
		engine: engine,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		taskHandler := handlers.NewTaskHandler(s.tasks, s.cfg.Store.DefaultTTL, s.cfg.Store.QueryPageSize, s.logger)
		api.POST("/tasks", taskHandler.Create)
		api.GET("/tasks", taskHandler.List)
		api.GET("/tasks/:id", taskHandler.Get)
		api.PUT("/tasks/:id", taskHandler.Update)
		api.DELETE("/tasks/:id", taskHandler.Delete)
		api.GET("/tasks/:id/versions", taskHandler.Versions)

		ruleHandler := handlers.NewRuleHandler(s.bus, s.logger)
		api.GET("/rules", ruleHandler.List)
		api.POST("/rules", ruleHandler.Create)
		api.DELETE("/rules/:id", ruleHandler.Delete)

		executionHandler := handlers.NewExecutionHandler(s.engine, s.logger)
		api.GET("/executions", executionHandler.List)
		api.GET("/executions/:id", executionHandler.Get)
		api.POST("/executions/:id/cancel", executionHandler.Cancel)

		deadLetterHandler := handlers.NewDeadLetterHandler(s.bus, s.logger)
		api.GET("/dead-letters", deadLetterHandler.List)
		api.POST("/dead-letters/:id/redrive", deadLetterHandler.Redrive)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves HTTP until ctx ends, then drains in-flight requests for up to the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.ReadTimeout * 2,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}
