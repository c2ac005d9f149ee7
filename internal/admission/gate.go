// Package admission decides whether a connection attempt between two peers
// may proceed. Every check is served from memory; the only I/O a decision can
// cause is an audit write queued on the worker pool.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/limiter"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/Shugur-Network/peergate/internal/workers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Peers resolves ids and addresses. *registry.Registry satisfies it.
type Peers interface {
	Get(id string) (domain.PeerView, bool)
	FindByAddress(addr string) (string, bool)
}

// Bans answers ban checks. *ban.Service satisfies it.
type Bans interface {
	IsBanned(id string) bool
}

// Auditor stores denial records.
type Auditor interface {
	AppendAudit(ctx context.Context, entries ...domain.AuditEntry) error
}

// Gate evaluates admission requests.
type Gate struct {
	peers    Peers
	bans     Bans
	limiter  *limiter.RateLimiter
	pool     *workers.WorkerPool
	auditor  Auditor
	instance string
	timeout  time.Duration
	log      *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithRateLimiter enables per-source throttling.
func WithRateLimiter(rl *limiter.RateLimiter) Option {
	return func(g *Gate) { g.limiter = rl }
}

// WithAudit records ban denials through a on pool. Both must be set.
func WithAudit(a Auditor, pool *workers.WorkerPool, instance string, timeout time.Duration) Option {
	return func(g *Gate) {
		g.auditor, g.pool, g.instance, g.timeout = a, pool, instance, timeout
	}
}

// NewGate builds a gate over the registry and ban service.
func NewGate(peers Peers, bans Bans, opts ...Option) *Gate {
	g := &Gate{
		peers:   peers,
		bans:    bans,
		timeout: 5 * time.Second,
		log:     logger.New("admission"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check runs the admission algorithm. Outcomes are final; the gate never
// retries.
func (g *Gate) Check(req domain.AdmissionRequest) domain.Decision {
	start := time.Now()
	shape := "direct"
	if req.Relayed() {
		shape = "relay"
	}
	d := g.decide(req)
	outcome := d.Outcome.String()
	metrics.RecordAdmission(shape, outcome, time.Since(start))
	return d
}

func (g *Gate) decide(req domain.AdmissionRequest) domain.Decision {
	rateKey := req.SourceID
	if rateKey == "" {
		rateKey = req.SourceAddress
	}
	if !g.limiter.Allow(rateKey) {
		metrics.AdmissionDenials.WithLabelValues(string(domain.DenyRateLimited), string(domain.SideSource)).Inc()
		g.log.Debug("admission rate limited", zap.String("source", rateKey), zap.String("target_id", req.TargetID))
		return domain.Decision{Outcome: domain.OutcomeDenied, Reason: domain.DenyRateLimited, Side: domain.SideSource}
	}

	sourceID := req.SourceID
	if sourceID == "" && req.SourceAddress != "" {
		if id, ok := g.peers.FindByAddress(req.SourceAddress); ok {
			sourceID = id
		} else {
			g.log.Debug("anonymous admission source",
				zap.String("source_address", req.SourceAddress),
				zap.String("target_id", req.TargetID))
		}
	}

	target, ok := g.peers.Get(req.TargetID)
	if !ok {
		return domain.Decision{Outcome: domain.OutcomeNotFound, SourceID: sourceID}
	}

	side := g.bannedSide(sourceID, req.TargetID)
	if side != domain.SideNone {
		metrics.AdmissionDenials.WithLabelValues(string(domain.DenyBanned), string(side)).Inc()
		g.log.Info("admission denied, peer banned",
			zap.String("side", string(side)),
			zap.String("source_id", sourceID),
			zap.String("source_address", req.SourceAddress),
			zap.String("target_id", req.TargetID),
			zap.String("conn_type", string(req.ConnType)))
		g.audit(req, sourceID, side)
		return domain.Decision{Outcome: domain.OutcomeDenied, SourceID: sourceID, Reason: domain.DenyBanned, Side: side}
	}

	if target.Health == domain.HealthOffline {
		return domain.Decision{Outcome: domain.OutcomeUnreachable, SourceID: sourceID}
	}

	return domain.Decision{
		Outcome:  domain.OutcomeAllowed,
		SourceID: sourceID,
		Target: &domain.TargetInfo{
			ID:                target.ID,
			Address:           target.Address,
			PubkeyFingerprint: target.PubkeyFingerprint,
			ConnType:          req.ConnType,
			Health:            target.Health,
		},
	}
}

func (g *Gate) bannedSide(sourceID, targetID string) domain.DeniedSide {
	src := sourceID != "" && g.bans.IsBanned(sourceID)
	dst := g.bans.IsBanned(targetID)
	switch {
	case src && dst:
		return domain.SideBoth
	case src:
		return domain.SideSource
	case dst:
		return domain.SideTarget
	}
	return domain.SideNone
}

// audit queues the denial record. A saturated pool drops it.
func (g *Gate) audit(req domain.AdmissionRequest, sourceID string, side domain.DeniedSide) {
	if g.auditor == nil || g.pool == nil {
		return
	}
	source := sourceID
	if source == "" {
		source = req.SourceAddress
	}
	entry := domain.AuditEntry{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		Actor:    "gate",
		Action:   domain.AuditAdmissionDenied,
		PeerID:   req.TargetID,
		Detail:   fmt.Sprintf("source=%s side=%s conn_type=%s", source, side, req.ConnType),
		Instance: g.instance,
	}
	g.pool.AddJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.auditor.AppendAudit(ctx, entry); err != nil {
			g.log.Warn("failed to record admission denial", zap.String("target_id", req.TargetID), zap.Error(err))
		}
	})
}
