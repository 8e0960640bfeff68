// Package server owns the HTTP listener: the websocket endpoint, health
// probes and the optional profiler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "pulse/internal/runtime/supervisor"
	logx "pulse/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

// Deps are the handlers the router serves. Ready and Status may be nil.
type Deps struct {
	Socket http.Handler
	Ready  func() bool
	Status func() any
}

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler http.Handler
	started time.Time

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Socket == nil {
		return nil, errors.New("server: socket handler is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	s := &Server{cfg: cfg, log: log, started: time.Now()}
	s.handler = s.routes(deps)
	return s, nil
}

// Handler returns the router. Useful for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ready", "uptime": time.Since(s.started).Round(time.Second).String()}
		code := http.StatusOK
		if deps.Ready != nil && !deps.Ready() {
			body["status"] = "draining"
			code = http.StatusServiceUnavailable
		}
		if deps.Status != nil {
			body["details"] = deps.Status()
		}
		writeJSON(w, code, body)
	})
	r.Handle("/ws", deps.Socket)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// logRequests logs completed requests. Upgraded connections are logged by
// the socket layer when they close, so only the handshake shows up here.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// Hijacked.
			status = http.StatusSwitchingProtocols
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("remote", r.RemoteAddr),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case status >= 500:
			s.log.Warn("http request", fields...)
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			s.log.Trace("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "http"))),
		rtsup.WithCancelOnError(false),
	)
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down gracefully; when ctx expires remaining
// connections are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	s.log.Info("http stopped")
	return err
}
