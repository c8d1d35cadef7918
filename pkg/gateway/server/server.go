// Package server assembles the gateway: routes, middleware, the upstream
// adapter, the tool registry, and the stores the live sessions lean on.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/apsara-ai/apsara/pkg/gateway/config"
	"github.com/apsara-ai/apsara/pkg/gateway/handlers"
	"github.com/apsara-ai/apsara/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara/pkg/gateway/live/capability"
	"github.com/apsara-ai/apsara/pkg/gateway/live/resume"
	"github.com/apsara-ai/apsara/pkg/gateway/live/sessions"
	"github.com/apsara-ai/apsara/pkg/gateway/mw"
	"github.com/apsara-ai/apsara/pkg/gateway/tools"
	"github.com/apsara-ai/apsara/pkg/gateway/tools/builtins"
	"github.com/apsara-ai/apsara/pkg/gateway/upstream"
	"github.com/apsara-ai/apsara/pkg/kv"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store    kv.Store
	lc       *lifecycle.Lifecycle
	tracker  *sessions.Tracker
	opener   upstream.Opener
	registry *tools.Registry
	caps     *capability.Table
	resume   *resume.Manager
}

// New wires the gateway. The opener dials the live upstream lazily per
// session; only the client construction happens here.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	caps := capability.NewTable()
	if cfg.CapabilityFile != "" {
		caps, err = capability.LoadTable(cfg.CapabilityFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load capability table: %w", err)
		}
	}

	opener, err := upstream.NewGemini(ctx, cfg.GeminiAPIKey, cfg.LiveConnectTimeout, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init upstream client: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: 15 * time.Second,
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		store:   store,
		lc:      &lifecycle.Lifecycle{},
		tracker: sessions.NewTracker(),
		opener:  opener,
		registry: tools.NewRegistry(
			&builtins.Clock{},
			&builtins.Location{HTTPClient: httpClient},
			&builtins.SavePlace{Store: store},
			&builtins.ListPlaces{Store: store},
		),
		caps:   caps,
		resume: resume.NewManager(store, cfg.ResumeSaveThreshold, logger),
	}

	s.routes()
	return s, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.DataDir == "" {
		logger.Warn("no data dir configured, resumption state will not survive restarts")
		return kv.NewMemory(), nil
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return store, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lc, LiveSessions: s.tracker})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Lifecycle:    s.lc,
		LiveSessions: s.tracker,
		Upstream:     s.opener,
		Tools:        s.registry,
		Capabilities: s.caps,
		Resume:       s.resume,
	})

	saved := handlers.SavedSessionsHandler{Config: s.cfg, Logger: s.logger, Resume: s.resume}
	s.mux.Handle("/v1/live/sessions", saved)
	s.mux.Handle("/v1/live/sessions/", saved)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining() {
	s.lc.SetDraining(true)
}

// WarnLiveSessionsDraining tells every live client the gateway will close
// within the shutdown grace period.
func (s *Server) WarnLiveSessionsDraining() {
	sent := s.tracker.WarnAll(s.cfg.ShutdownGracePeriod)
	if sent > 0 {
		s.logger.Info("warned live sessions about shutdown", "sessions", sent)
	}
}

// WaitLiveSessions blocks until every live session unregisters or ctx ends.
// Returns false on timeout.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) CancelLiveSessions() {
	canceled := s.tracker.CancelAll()
	if canceled > 0 {
		s.logger.Warn("canceled live sessions that outlived the grace period", "sessions", canceled)
	}
}

// Close releases the store. Call after the HTTP server has shut down.
func (s *Server) Close() error {
	return s.store.Close()
}
