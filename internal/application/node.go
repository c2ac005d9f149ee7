package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/admin"
	"github.com/Shugur-Network/peergate/internal/admission"
	"github.com/Shugur-Network/peergate/internal/api"
	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/identity"
	"github.com/Shugur-Network/peergate/internal/limiter"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/monitor"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/settings"
	"github.com/Shugur-Network/peergate/internal/workers"
	"go.uber.org/zap"
)

// Node ties together the components of one peergate instance.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config      *config.Config
	instance    *identity.Instance
	store       domain.PeerStore
	settings    *settings.Store
	registry    *registry.Registry
	snapshot    *ban.Snapshot
	bans        *ban.Service
	WorkerPool  *workers.WorkerPool
	monitor     *monitor.Monitor
	rateLimiter *limiter.RateLimiter
	gate        *admission.Gate
	admin       *admin.Service
	server      *api.Server

	loops     sync.WaitGroup
	startTime time.Time
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	if err := builder.BuildIdentity(); err != nil {
		builder.cancel()
		return nil, err
	}
	if err := builder.BuildStore(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building store: %w", err)
	}
	if err := builder.BuildRegistry(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building registry: %w", err)
	}
	if err := builder.BuildBans(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building ban cache: %w", err)
	}
	builder.BuildWorkers()
	builder.BuildMonitor()
	builder.BuildRateLimiter()
	builder.BuildGate()
	builder.BuildAdmin()
	builder.BuildServer()

	node, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the background loops, the metrics endpoint and the API
// server. It returns once everything is running.
func (n *Node) Start(ctx context.Context) error {
	if !n.config.Admin.RequireAuth {
		logger.Warn("Admin API authentication is disabled, anyone who can reach the listener can ban, delete and rename peers")
	}

	n.goLoop(n.monitor.Run)
	n.goLoop(n.bans.Run)
	if n.rateLimiter.Enabled() {
		n.goLoop(n.rateLimiter.Run)
	}

	if n.config.Metrics.Enabled {
		go n.serveMetrics()
	}

	go func() {
		if err := n.server.ListenAndServe(n.ctx, n.config.Server.ListenAddr); err != nil {
			logger.Error("Server error", zap.Error(err))
			n.cancel()
		}
	}()

	logger.Info("Node started",
		zap.String("instance", n.instance.Label()),
		zap.String("listen", n.config.Server.ListenAddr),
		zap.Int("peers", len(n.registry.List())),
		zap.Int("bans", n.bans.Count()))
	return nil
}

func (n *Node) goLoop(run func(context.Context)) {
	n.loops.Add(1)
	go func() {
		defer n.loops.Done()
		run(n.ctx)
	}()
}

// Shutdown stops the server and the loops, flushes pending registry changes
// to the store and closes the backends.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := n.config.Server.ShutdownTimeout

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	// Step 1: stop the server and the loops
	if n.cancel != nil {
		n.cancel()
	}
	n.loops.Wait()
	logger.Debug("✅ Background loops stopped")

	// Step 2: flush dirty peers while the store is still open
	if err := n.monitor.Flush(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("final sync: %w", err))
		logger.Warn("Final registry sync incomplete", zap.Error(err))
	} else {
		logger.Debug("✅ Registry flushed")
	}

	// Step 3: drain queued audit writes
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.WorkerPool.Stop()
	}()
	select {
	case <-done:
		logger.Debug("✅ Worker pool finished")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("worker pool shutdown timed out after %v", shutdownTimeout))
		logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	// Step 4: close the ban snapshot and the store
	if n.snapshot != nil {
		if err := n.snapshot.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, err)
		}
	}
	if err := n.shutdownStore(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	} else {
		logger.Debug("✅ Peer store closed")
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
	} else {
		logger.Info("✅ Node shutdown completed successfully",
			zap.Duration("shutdown_timeout", shutdownTimeout))
	}
}

// shutdownStore closes the store with timeout and retry logic.
func (n *Node) shutdownStore(ctx context.Context) error {
	var lastErr error
	delay := constants.DBRetryDelay

	for i := 0; i < constants.MaxDBRetries; i++ {
		if err := n.store.Close(); err != nil {
			lastErr = err
			logger.Warn("Failed to close peer store, retrying...",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", constants.MaxDBRetries),
				zap.Error(err))

			select {
			case <-time.After(delay):
				delay *= 2
				continue
			case <-ctx.Done():
				return fmt.Errorf("peer store shutdown timed out during retry delay: %w", ctx.Err())
			}
		}
		return nil
	}

	return fmt.Errorf("peer store shutdown failed after %d retries: %w", constants.MaxDBRetries, lastErr)
}

// Done is closed once the node context is cancelled.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// GetStartTime returns when the node was built.
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
