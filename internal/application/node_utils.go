package application

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/peergate/internal/admin"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Registry returns the in-memory peer registry.
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Admin returns the admin service.
func (n *Node) Admin() *admin.Service {
	return n.admin
}

// serveMetrics exposes the prometheus registry on its own port so it can be
// firewalled separately from the API.
func (n *Node) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle(n.config.Metrics.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-n.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("Metrics server listening",
		zap.Int("port", n.config.Metrics.Port),
		zap.String("path", n.config.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server error", zap.Error(err))
	}
}
