// Package debugsrv runs the optional debug HTTP listener: pprof profiles
// and the Prometheus scrape endpoint.
package debugsrv

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mentionbot/internal/config"
	rtsup "mentionbot/internal/runtime/supervisor"
	logx "mentionbot/pkg/logx"
)

const (
	defaultAddr        = "127.0.0.1:6060"
	defaultPrefix      = "/debug/pprof/"
	defaultMetricsPath = "/metrics"
)

var errInsecureBind = errors.New("debug server refused to start: non-loopback addr needs token or allow_insecure")

// Config is config.DebugConfig with defaults applied and durations parsed.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Pprof         bool
	Metrics       bool
	MetricsPath   string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func FromConfig(c config.DebugConfig) (Config, error) {
	out := Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Prefix:        normalizePath(c.Prefix, defaultPrefix),
		Pprof:         config.BoolOr(c.Pprof, true),
		Metrics:       config.BoolOr(c.Metrics, true),
		MetricsPath:   strings.TrimSuffix(normalizePath(c.MetricsPath, defaultMetricsPath), "/"),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = defaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", c.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.Enabled && !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
		return out, errInsecureBind
	}
	return out, nil
}

// Server owns one listener at a time. Reconfigure may be called on every
// config reload; it restarts only when the listener settings changed.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string // bound address once listening
}

func New(log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "debugsrv"))}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.start(ctx)
	}
}

func (s *Server) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("debug.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("debug server stop", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("debug server refused to start", logx.String("addr", cfg.Addr))
		return errInsecureBind
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	srv := &http.Server{
		Handler:      Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof), logx.Bool("metrics", cfg.Metrics),
		logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler builds the debug mux for cfg.
func Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	if cfg.Pprof {
		prefix := cfg.Prefix
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, indexAt(prefix))
		mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
		mux.HandleFunc(base+"/profile", hpprof.Profile)
		mux.HandleFunc(base+"/symbol", hpprof.Symbol)
		mux.HandleFunc(base+"/trace", hpprof.Trace)
	}
	return withToken(cfg.Token, mux)
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// net/http/pprof.Index only knows /debug/pprof/; rewrite custom prefixes.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = defaultPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
