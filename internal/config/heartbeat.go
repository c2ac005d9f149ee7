package config

import (
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
)

// HeartbeatConfig seeds the runtime liveness thresholds. Values stored in the
// peer store's config table take precedence once an admin has changed them.
type HeartbeatConfig struct {
	PeerTimeoutSecs    int `mapstructure:"PEER_TIMEOUT_SECS"     json:"peer_timeout_secs"     validate:"required,gt=0,lte=86400"`
	IntervalSecs       int `mapstructure:"INTERVAL_SECS"         json:"interval_secs"         validate:"required,gt=0,lte=86400"`
	WarningThreshold   int `mapstructure:"WARNING_THRESHOLD"     json:"warning_threshold"     validate:"required,gt=0,lte=10000"`
	CriticalThreshold  int `mapstructure:"CRITICAL_THRESHOLD"    json:"critical_threshold"    validate:"required,gt=0,lte=10000"`
	DBSyncIntervalSecs int `mapstructure:"DB_SYNC_INTERVAL_SECS" json:"db_sync_interval_secs" validate:"required,gt=0,lte=86400"`
}

// Runtime converts the static section into the hot-swappable snapshot type.
func (h HeartbeatConfig) Runtime() domain.RuntimeConfig {
	return domain.RuntimeConfig{
		PeerTimeoutSecs:       h.PeerTimeoutSecs,
		HeartbeatIntervalSecs: h.IntervalSecs,
		WarningThreshold:      h.WarningThreshold,
		CriticalThreshold:     h.CriticalThreshold,
		DBSyncIntervalSecs:    h.DBSyncIntervalSecs,
	}
}

// BanConfig holds ban cache settings.
type BanConfig struct {
	// RefreshInterval bounds how stale the cache can be relative to bans
	// written to the store by other instances.
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL" json:"refresh_interval" validate:"required,reasonable_duration"`
	SnapshotEnabled bool          `mapstructure:"SNAPSHOT_ENABLED" json:"snapshot_enabled"`
	// Empty means <data_dir>/bans.
	SnapshotDir   string  `mapstructure:"SNAPSHOT_DIR"   json:"snapshot_dir"   validate:"omitempty"`
	BloomCapacity uint    `mapstructure:"BLOOM_CAPACITY" json:"bloom_capacity" validate:"required,min=1024"`
	BloomFPRate   float64 `mapstructure:"BLOOM_FP_RATE"  json:"bloom_fp_rate"  validate:"required,gt=0,lt=1"`
}

// AdmissionConfig holds gate settings.
type AdmissionConfig struct {
	RateLimit    AdmissionRateLimit `mapstructure:"RATE_LIMIT"    json:"rate_limit"`
	AuditDenials bool               `mapstructure:"AUDIT_DENIALS" json:"audit_denials"`
}

// AdmissionRateLimit is a per-source token bucket.
type AdmissionRateLimit struct {
	Enabled   bool          `mapstructure:"ENABLED"    json:"enabled"`
	PerSecond float64       `mapstructure:"PER_SECOND" json:"per_second" validate:"gte=0,max=100000"`
	Burst     int           `mapstructure:"BURST"      json:"burst"      validate:"gte=0,max=100000"`
	IdleTTL   time.Duration `mapstructure:"IDLE_TTL"   json:"idle_ttl"   validate:"required,reasonable_duration"`
}
