// Package server exposes the HTTP API: scan control, inventory and finding
// queries, scheduler state and websocket log streaming.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scans"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scheduler"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/tools"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/version"
)

// Server wires the HTTP layer to the scan manager, scheduler and store
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	db         *database.DB
	scanMgr    *scans.Manager
	loop       *scheduler.Loop
	checker    *tools.Checker
}

func New(cfg *config.Config, db *database.DB, scanMgr *scans.Manager, loop *scheduler.Loop) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		cfg:     cfg,
		db:      db,
		scanMgr: scanMgr,
		loop:    loop,
		checker: tools.NewChecker(map[string]string{
			"subfinder": cfg.SubfinderBin,
			"httpx":     cfg.HttpxBin,
			"nuclei":    cfg.NucleiBin,
		}),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
}

// requestLogger logs API requests only; health checks and websocket
// upgrades stay quiet
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if !strings.HasPrefix(path, "/api/") {
			return
		}
		log.Printf("[INFO] %d %-6s %s %s", c.Writer.Status(), c.Request.Method, path,
			time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	api := s.router.Group("/api")
	{
		api.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"version": version.Version})
		})

		api.POST("/scans", s.startScan)
		api.GET("/scans", s.listScans)
		api.GET("/scans/:id", s.getScan)
		api.GET("/scans/:id/results", s.getScanResults)
		api.GET("/scans/:id/log", s.getScanLog)
		api.POST("/scans/:id/stop", s.stopScan)
		api.DELETE("/scans/:id", s.deleteScan)

		api.GET("/targets", s.listTargets)
		api.GET("/targets/:id/subdomains", s.listSubdomains)
		api.PUT("/targets/:id/scheduler", s.setTargetScheduler)
		api.PUT("/targets/:id/nuclei", s.setTargetNuclei)
		api.DELETE("/targets/:id", s.deleteTarget)

		api.GET("/subdomains/recent", s.recentSubdomains)
		api.GET("/hosts", s.listLiveHosts)

		api.GET("/findings", s.listFindings)
		api.GET("/findings/counts", s.findingCounts)
		api.PUT("/findings/:id/status", s.updateFindingStatus)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.updateSettings)

		api.GET("/scheduler/status", s.schedulerStatus)
		api.POST("/scheduler/trigger", s.triggerScheduler)
		api.GET("/scheduler/logs", s.schedulerLogs)

		api.GET("/tools", s.toolStatus)
	}

	s.router.GET("/ws/scans/:id/log", s.streamScanLog)
}

// Start blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] API listening on http://%s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}
