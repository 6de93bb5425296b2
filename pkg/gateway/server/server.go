package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/handlers"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	minter    handlers.SessionMinter
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
}

// Option configures a Server.
type Option func(*Server)

// WithMinter replaces the provider session client.
func WithMinter(m handlers.SessionMinter) Option {
	return func(s *Server) {
		if m != nil {
			s.minter = m
		}
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := upstream.NewHTTPClient(cfg.UpstreamConnectTimeout, cfg.UpstreamResponseHeaderTimeout)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		minter:    upstream.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, httpClient, logger),
		lifecycle: &lifecycle.Lifecycle{},
	}
	if cfg.LimitsEnabled() {
		s.limiter = ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
		})
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/v1/realtime/session", handlers.SessionHandler{
		Config:    s.cfg,
		Minter:    s.minter,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips /readyz to 503 and refuses new mints.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WaitInflight waits for mints already in progress.
func (s *Server) WaitInflight(ctx context.Context) bool {
	return s.lifecycle.Wait(ctx)
}
