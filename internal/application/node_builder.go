package application

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/peergate/internal/admin"
	"github.com/Shugur-Network/peergate/internal/admission"
	"github.com/Shugur-Network/peergate/internal/api"
	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/errors"
	"github.com/Shugur-Network/peergate/internal/health"
	"github.com/Shugur-Network/peergate/internal/identity"
	"github.com/Shugur-Network/peergate/internal/limiter"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/monitor"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/settings"
	"github.com/Shugur-Network/peergate/internal/storage"
	"github.com/Shugur-Network/peergate/internal/storage/memory"
	"github.com/Shugur-Network/peergate/internal/storage/sqlite"
	"github.com/Shugur-Network/peergate/internal/workers"

	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	instance *identity.Instance
	store    domain.PeerStore
	settings *settings.Store
	registry *registry.Registry
	// unloaded is set when the stored peers could not be read at startup.
	unloaded    bool
	snapshot    *ban.Snapshot
	bans        *ban.Service
	workerPool  *workers.WorkerPool
	monitor     *monitor.Monitor
	rateLimiter *limiter.RateLimiter
	gate        *admission.Gate
	admin       *admin.Service
	server      *api.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildIdentity loads or creates the persistent instance id.
func (b *NodeBuilder) BuildIdentity() error {
	inst, err := identity.GetOrCreate(b.config.General.DataDir, b.config.General.InstanceName)
	if err != nil {
		return fmt.Errorf("failed to load instance identity: %w", err)
	}
	b.instance = inst
	logger.Info("Instance identity ready",
		zap.String("instance_id", inst.ID),
		zap.String("instance", inst.Label()))
	return nil
}

// BuildStore opens the configured peer store backend.
func (b *NodeBuilder) BuildStore() error {
	db := b.config.Database
	switch db.Driver {
	case config.DriverPostgres:
		logger.Info("Connecting to peer store", zap.String("driver", db.Driver))
		pg, err := storage.InitDB(b.ctx, db.ConnString(), db.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to initialize database connection: %w", err)
		}
		if err := pg.InitializeSchema(b.ctx); err != nil {
			_ = pg.Close()
			return fmt.Errorf("database schema initialization failed: %w", err)
		}
		b.store = pg
	case config.DriverSQLite:
		path := b.config.SQLitePath()
		logger.Info("Opening SQLite peer store", zap.String("path", path))
		lite, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		b.store = lite
	case config.DriverMemory:
		logger.Warn("Using in-memory peer store, nothing survives a restart")
		b.store = memory.New()
	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}
	return nil
}

// BuildRegistry seeds the runtime config and loads persisted peers. A store
// that is down at startup leaves the registry empty; peers re-register on
// their next heartbeat and the monitor merges the stored rows in before its
// first write.
func (b *NodeBuilder) BuildRegistry() error {
	st, err := settings.New(b.config.Heartbeat.Runtime())
	if err != nil {
		return fmt.Errorf("invalid heartbeat configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.config.Database.OperationTimeout)
	defer cancel()
	if kv, err := b.store.LoadRuntimeConfig(ctx); err != nil {
		logger.Warn("Failed to load runtime config, using configured defaults", zap.Error(err))
	} else if err := st.LoadFrom(ctx, kv); err != nil {
		logger.Warn("Stored runtime config rejected, using configured defaults", zap.Error(err))
	}
	b.settings = st

	b.registry = registry.New(st)
	peers, err := b.store.LoadPeers(ctx)
	if err != nil {
		logger.Warn("Failed to load peers from store, starting with an empty registry", zap.Error(err))
		b.unloaded = true
		return nil
	}
	b.registry.Load(peers)
	logger.Info("Registry loaded", zap.Int("peers", len(peers)))
	return nil
}

// BuildBans opens the optional LevelDB snapshot and primes the ban cache.
func (b *NodeBuilder) BuildBans() error {
	var opts []ban.Option
	if b.config.Ban.SnapshotEnabled {
		snap, err := ban.OpenSnapshot(b.config.BanSnapshotDir())
		if err != nil {
			logger.Warn("Failed to open ban snapshot, continuing without it", zap.Error(err))
		} else {
			b.snapshot = snap
			opts = append(opts, ban.WithSnapshot(snap))
		}
	}

	b.bans = ban.New(ban.Config{
		RefreshInterval: b.config.Ban.RefreshInterval,
		StoreTimeout:    b.config.Database.OperationTimeout,
		BloomCapacity:   b.config.Ban.BloomCapacity,
		BloomFPRate:     b.config.Ban.BloomFPRate,
	}, b.store, b.registry, opts...)

	if err := b.bans.Start(b.ctx); err != nil {
		logger.Warn("Ban cache started without the store", zap.Error(err))
	}
	logger.Info("Ban cache ready",
		zap.Int("bans", b.bans.Count()),
		zap.Duration("staleness_bound", b.bans.StalenessBound()))
	return nil
}

// BuildWorkers initializes the worker pool.
func (b *NodeBuilder) BuildWorkers() {
	b.workerPool = workers.NewWorkerPool("background", b.config.Workers.Count, b.config.Workers.QueueSize)
}

// BuildMonitor sets up the health sweep and store sync loops.
func (b *NodeBuilder) BuildMonitor() {
	b.monitor = monitor.New(b.registry, b.store, b.settings, b.workerPool, b.config.Database.OperationTimeout)
	if b.unloaded {
		b.monitor.RequireReconcile(b.store.LoadPeers)
	}
}

// BuildRateLimiter sets up the per-source admission limiter.
func (b *NodeBuilder) BuildRateLimiter() {
	b.rateLimiter = limiter.NewRateLimiter(b.config.Admission.RateLimit)
}

// BuildGate assembles the admission gate.
func (b *NodeBuilder) BuildGate() {
	opts := []admission.Option{admission.WithRateLimiter(b.rateLimiter)}
	if b.config.Admission.AuditDenials {
		opts = append(opts, admission.WithAudit(b.store, b.workerPool, b.instance.Label(), b.config.Database.OperationTimeout))
	}
	b.gate = admission.NewGate(b.registry, b.bans, opts...)
}

// BuildAdmin wires the admin service. Deletes and renames are serialized
// against the sync loop.
func (b *NodeBuilder) BuildAdmin() {
	b.admin = admin.New(b.registry, b.bans, b.settings, b.store,
		admin.WithSerializer(b.monitor),
		admin.WithInstance(b.instance.Label()))
}

// BuildServer sets up the HTTP API and its health checker.
func (b *NodeBuilder) BuildServer() {
	src := health.Sources{
		Store: b.store,
		Bans:  b.bans,
		Sync:  b.monitor,
		LivePeers: func() int {
			return len(b.registry.List())
		},
		Connections: func() int {
			return b.server.Connections()
		},
	}
	b.server = api.NewServer(api.Deps{
		Config:   b.config,
		Registry: b.registry,
		Gate:     b.gate,
		Admin:    b.admin,
		Health:   health.NewHealthChecker(src, logger.New("health"), config.Version, b.instance.Label()),
	})
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	errors.InitErrorHandling()
	logger.Info("Error handling system initialized", zap.String("component", "node_builder"))

	if b.store == nil {
		return nil, fmt.Errorf("store must be built before calling Build()")
	}
	if b.registry == nil {
		return nil, fmt.Errorf("registry must be built before calling Build()")
	}
	if b.bans == nil {
		return nil, fmt.Errorf("ban cache must be built before calling Build()")
	}
	if b.workerPool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.monitor == nil {
		return nil, fmt.Errorf("monitor must be built before calling Build()")
	}
	if b.gate == nil {
		return nil, fmt.Errorf("gate must be built before calling Build()")
	}
	if b.server == nil {
		return nil, fmt.Errorf("server must be built before calling Build()")
	}

	node := &Node{
		ctx:         b.ctx,
		cancel:      b.cancel,
		config:      b.config,
		instance:    b.instance,
		store:       b.store,
		settings:    b.settings,
		registry:    b.registry,
		snapshot:    b.snapshot,
		bans:        b.bans,
		WorkerPool:  b.workerPool,
		monitor:     b.monitor,
		rateLimiter: b.rateLimiter,
		gate:        b.gate,
		admin:       b.admin,
		server:      b.server,
		startTime:   time.Now(),
	}

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}
