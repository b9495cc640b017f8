package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/decision"
	"github.com/quantfold/tradepilot/internal/engine"
	"github.com/quantfold/tradepilot/internal/executor"
	"github.com/quantfold/tradepilot/internal/exitscan"
)

// Server exposes the dashboard action API over HTTP
type Server struct {
	router *gin.Engine
	server *http.Server
	addr   string

	store *db.DB
	eng   *engine.Engine
	exec  *executor.Executor
	maker *decision.Maker
	exits *exitscan.Scanner
}

// NewServer creates the dashboard server
func NewServer(cfg config.DashboardConfig, store *db.DB, eng *engine.Engine,
	exec *executor.Executor, maker *decision.Maker, exits *exitscan.Scanner) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		store:  store,
		eng:    eng,
		exec:   exec,
		maker:  maker,
		exits:  exits,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/v1/action", s.handleAction)
}

// Start begins serving in the background
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting dashboard server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Dashboard server error")
		}
	}()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("Stopping dashboard server")
	return s.server.Shutdown(ctx)
}

func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Dashboard request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
