// Package ops serves the operator HTTP surface: health, metrics and stats.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

// Stats is the counters /stats reports.
type Stats struct {
	Users            int  `json:"users"`
	Premium          int  `json:"premium"`
	Banned           int  `json:"banned"`
	ActiveRequests   int  `json:"active_requests"`
	PendingLogins    int  `json:"pending_logins"`
	BroadcastRunning bool `json:"broadcast_running"`
}

// StatsFunc collects Stats on demand.
type StatsFunc func(ctx context.Context) (Stats, error)

type Options struct {
	Addr string
	// Token guards every route except /healthz. It is required when Addr
	// is not a loopback address.
	Token      string
	Pprof      bool
	Metrics    http.Handler
	Stats      StatsFunc
	Supervisor *rtsup.Supervisor
}

// Server manages the lifecycle of the ops listener.
type Server struct {
	log  logx.Logger
	opt  Options
	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(opt Options, log logx.Logger) *Server {
	if opt.Addr == "" {
		opt.Addr = defaultAddr
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{opt: opt, log: log.Component("ops")}
}

// Handler builds the router. It is exported for tests.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestID(), recovery(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "time": time.Now().UTC()}
		if s.opt.Supervisor != nil {
			snap := s.opt.Supervisor.Snapshot()
			body["goroutines"] = snap.Active
			if snap.FirstError != "" {
				body["status"] = "degraded"
				body["error"] = snap.FirstError
			}
		}
		c.JSON(http.StatusOK, body)
	})
	g := r.Group("/", bearer(s.opt.Token))
	if s.opt.Metrics != nil {
		g.GET("/metrics", gin.WrapH(s.opt.Metrics))
	}
	if s.opt.Pprof {
		mountPprof(g)
	}
	g.GET("/stats", func(c *gin.Context) {
		if s.opt.Stats == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "stats unavailable"})
			return
		}
		st, err := s.opt.Stats(c.Request.Context())
		if err != nil {
			s.log.Warn("stats failed", logx.String("req_id", c.GetString("request_id")), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	return r
}

// Start binds the listener and serves on the supervisor.
func (s *Server) Start(sup *rtsup.Supervisor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	if s.opt.Token == "" && !isLoopbackAddr(s.opt.Addr) {
		return errors.New("ops: refusing non-loopback addr " + s.opt.Addr + " without a token")
	}
	ln, err := net.Listen("tcp", s.opt.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	sup.Go("ops.http", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("ops.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(sctx)
	})
	s.log.Info("ops server listening", logx.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.Err(err))
	}
	_ = s.ln.Close()
	s.srv, s.ln = nil, nil
	s.log.Info("ops server stopped", logx.String("addr", s.addr))
	s.addr = ""
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic in ops handler",
			logx.String("req_id", c.GetString("request_id")),
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
