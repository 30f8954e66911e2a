package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/kcounter/internal/misc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	defaultEventLimit = 20
	shutdownTimeout   = 5 * time.Second
)

// DeviceStatus is one registered device as shown on /status.
type DeviceStatus struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Counter   int64      `json:"counter"`
	SessionID string     `json:"session_id,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
}

// StatusSource feeds the status surface.
type StatusSource interface {
	DeviceStatus() []DeviceStatus
	Files() []misc.FileInfo
	RecentEvents(limit int) []misc.Event
}

// StatusServer is the read-only HTTP view of a running daemon.
type StatusServer struct {
	node    string
	addr    string
	source  StatusSource
	router  *gin.Engine
	started time.Time
	ready   atomic.Bool
}

func NewStatusServer(node, addr string, corsOrigins []string, source StatusSource) *StatusServer {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{
		node:    node,
		addr:    addr,
		source:  source,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// SetReady flips /ready between 200 and 503.
func (s *StatusServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.node,
			"version": "0.0.1",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.started).String(),
			"service": s.node,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": s.node,
			"devices": s.source.DeviceStatus(),
			"files":   s.source.Files(),
		})
	})

	s.router.GET("/events", func(c *gin.Context) {
		limit := defaultEventLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, gin.H{"events": s.source.RecentEvents(limit)})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on the configured address until ctx is done.
func (s *StatusServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln and shuts down gracefully when ctx is done.
func (s *StatusServer) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("node", s.node).Str("addr", ln.Addr().String()).Msg("observability.StatusServer listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
