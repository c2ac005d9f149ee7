package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/peergate/internal/admin"
	"github.com/Shugur-Network/peergate/internal/admission"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/constants"
	apperrors "github.com/Shugur-Network/peergate/internal/errors"
	"github.com/Shugur-Network/peergate/internal/health"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	Gate     *admission.Gate
	Admin    *admin.Service
	Health   *health.HealthChecker
}

// Server exposes peer registration, admission and the admin API over HTTP,
// plus the WebSocket control channel.
type Server struct {
	deps     Deps
	auth     *adminAuth
	upgrader websocket.Upgrader
	conns    atomic.Int64
	log      *zap.Logger
}

// NewServer builds the server. Nothing listens until ListenAndServe.
func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		auth: newAdminAuth(deps.Config.Admin),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		log: logger.New("api"),
	}
}

// Connections is the number of open control-channel connections.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(apperrors.RecoveryMiddleware)
	r.Use(SecurityMiddleware(APISecurityHeaders()))
	r.Use(metricsMiddleware)
	r.Use(requestLogger)
	r.Use(limitHeaders(constants.MaxAuthHeaderLength))

	if s.deps.Health != nil {
		r.Get("/health", s.deps.Health.HandleHealth)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/peers/register", apperrors.WrapHandler(s.handleRegister))
		r.Method(http.MethodPost, "/peers/heartbeat", apperrors.WrapHandler(s.handleRegister))
		r.Method(http.MethodPost, "/admission/direct", apperrors.WrapHandler(s.handleAdmitDirect))
		r.Method(http.MethodPost, "/admission/relay", apperrors.WrapHandler(s.handleAdmitRelay))
		if s.deps.Config.Server.Control.Enabled {
			r.Get("/control", s.handleControl)
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth.middleware)
		r.Method(http.MethodGet, "/peers", apperrors.WrapHandler(s.handleListPeers))
		r.Method(http.MethodGet, "/peers/{id}", apperrors.WrapHandler(s.handleGetPeer))
		r.Method(http.MethodDelete, "/peers/{id}", apperrors.WrapHandler(s.handleDeletePeer))
		r.Method(http.MethodPost, "/peers/{id}/ban", apperrors.WrapHandler(s.handleBan))
		r.Method(http.MethodDelete, "/peers/{id}/ban", apperrors.WrapHandler(s.handleUnban))
		r.Method(http.MethodPost, "/peers/{id}/rename", apperrors.WrapHandler(s.handleRename))
		r.Method(http.MethodGet, "/stats", apperrors.WrapHandler(s.handleStats))
		r.Method(http.MethodGet, "/config", apperrors.WrapHandler(s.handleGetConfig))
		r.Method(http.MethodPut, "/config", apperrors.WrapHandler(s.handleUpdateConfig))
		r.Method(http.MethodGet, "/audit", apperrors.WrapHandler(s.handleAudit))
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	cfg := s.deps.Config.Server
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		// Hijacked control connections watch ctx to close on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
	}()

	s.log.Info("peergate API listening", zap.String("address", addr))
	err := httpSrv.ListenAndServe()
	if stderrors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}
