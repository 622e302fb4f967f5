// Package admin serves the read-only status surface of a running
// coordinator: health, readiness, the latest session snapshot and
// prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/meshctl/internal/coordinator"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// SnapshotFunc returns the latest published coordinator view, or nil
// before the first tick.
type SnapshotFunc func() *coordinator.Snapshot

type Server struct {
	ID      string
	Addr    string
	Started time.Time

	log      zerolog.Logger
	snapshot SnapshotFunc
	router   *gin.Engine
}

func New(id, addr string, corsOrigins []string, snapshot SnapshotFunc, log zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(log, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetrics(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Started:  time.Now(),
		log:      observability.Component(log, "admin"),
		snapshot: snapshot,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"node":    s.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		snap := s.snapshot()
		ready := isReady(snap)
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Started).String(),
			"node":    s.ID,
			"version": Version,
		}
		if snap != nil {
			body["topology"] = snap.Topology
			body["local_ready"] = snap.LocalReady
		}
		c.JSON(status, body)
	})

	s.router.GET("/session", func(c *gin.Context) {
		snap := s.snapshot()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot yet"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	s.router.GET("/peers", func(c *gin.Context) {
		snap := s.snapshot()
		if snap == nil {
			c.JSON(http.StatusOK, gin.H{"peers": []coordinator.LinkView{}})
			return
		}
		body := gin.H{"peers": snap.Links}
		if snap.Server != nil {
			body["server"] = snap.Server
		}
		c.JSON(http.StatusOK, body)
	})
}

// isReady reports whether the coordinator is serving or attached to a
// session.
func isReady(snap *coordinator.Snapshot) bool {
	if snap == nil {
		return false
	}
	return snap.ServerRunning || snap.Server != nil || snap.ConnectedHost
}

// Serve runs until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
