package domain

import (
	"strconv"
	"time"
)

// RuntimeConfig is the hot-swappable liveness configuration. Values are
// immutable once published; updates replace the whole snapshot. The upper
// bounds keep interval*threshold well inside time.Duration.
type RuntimeConfig struct {
	PeerTimeoutSecs       int `json:"peer_timeout_secs"       validate:"gt=0,lte=86400"`
	HeartbeatIntervalSecs int `json:"heartbeat_interval_secs" validate:"gt=0,lte=86400"`
	WarningThreshold      int `json:"warning_threshold"       validate:"gt=0,lte=10000"`
	CriticalThreshold     int `json:"critical_threshold"      validate:"gt=0,lte=10000,gtfield=WarningThreshold"`
	DBSyncIntervalSecs    int `json:"db_sync_interval_secs"   validate:"gt=0,lte=86400"`
}

// RuntimeConfigPatch is a partial update. Nil fields keep their current value.
type RuntimeConfigPatch struct {
	PeerTimeoutSecs       *int `json:"peer_timeout_secs,omitempty"`
	HeartbeatIntervalSecs *int `json:"heartbeat_interval_secs,omitempty"`
	WarningThreshold      *int `json:"warning_threshold,omitempty"`
	CriticalThreshold     *int `json:"critical_threshold,omitempty"`
	DBSyncIntervalSecs    *int `json:"db_sync_interval_secs,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RuntimeConfigPatch) Empty() bool {
	return p.PeerTimeoutSecs == nil && p.HeartbeatIntervalSecs == nil &&
		p.WarningThreshold == nil && p.CriticalThreshold == nil && p.DBSyncIntervalSecs == nil
}

// Apply returns a copy of c with the patch merged in.
func (c RuntimeConfig) Apply(p RuntimeConfigPatch) RuntimeConfig {
	if p.PeerTimeoutSecs != nil {
		c.PeerTimeoutSecs = *p.PeerTimeoutSecs
	}
	if p.HeartbeatIntervalSecs != nil {
		c.HeartbeatIntervalSecs = *p.HeartbeatIntervalSecs
	}
	if p.WarningThreshold != nil {
		c.WarningThreshold = *p.WarningThreshold
	}
	if p.CriticalThreshold != nil {
		c.CriticalThreshold = *p.CriticalThreshold
	}
	if p.DBSyncIntervalSecs != nil {
		c.DBSyncIntervalSecs = *p.DBSyncIntervalSecs
	}
	return c
}

// HeartbeatInterval is the sweep period.
func (c RuntimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// SyncInterval is the store persistence period.
func (c RuntimeConfig) SyncInterval() time.Duration {
	return time.Duration(c.DBSyncIntervalSecs) * time.Second
}

// PeerTimeout is the silence after which a peer is Offline.
func (c RuntimeConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSecs) * time.Second
}

// Runtime config keys as stored in the key/value config table.
const (
	KeyPeerTimeoutSecs       = "peer_timeout_secs"
	KeyHeartbeatIntervalSecs = "heartbeat_interval_secs"
	KeyWarningThreshold      = "warning_threshold"
	KeyCriticalThreshold     = "critical_threshold"
	KeyDBSyncIntervalSecs    = "db_sync_interval_secs"
)

// KeyValues flattens the config for the key/value config table.
func (c RuntimeConfig) KeyValues() map[string]string {
	return map[string]string{
		KeyPeerTimeoutSecs:       strconv.Itoa(c.PeerTimeoutSecs),
		KeyHeartbeatIntervalSecs: strconv.Itoa(c.HeartbeatIntervalSecs),
		KeyWarningThreshold:      strconv.Itoa(c.WarningThreshold),
		KeyCriticalThreshold:     strconv.Itoa(c.CriticalThreshold),
		KeyDBSyncIntervalSecs:    strconv.Itoa(c.DBSyncIntervalSecs),
	}
}

// PatchFromKeyValues builds a patch from stored key/value rows. Unknown keys
// are ignored; malformed values are returned as an error.
func PatchFromKeyValues(kv map[string]string) (RuntimeConfigPatch, error) {
	var p RuntimeConfigPatch
	fields := map[string]**int{
		KeyPeerTimeoutSecs:       &p.PeerTimeoutSecs,
		KeyHeartbeatIntervalSecs: &p.HeartbeatIntervalSecs,
		KeyWarningThreshold:      &p.WarningThreshold,
		KeyCriticalThreshold:     &p.CriticalThreshold,
		KeyDBSyncIntervalSecs:    &p.DBSyncIntervalSecs,
	}
	for key, dst := range fields {
		raw, ok := kv[key]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return RuntimeConfigPatch{}, &FieldError{Field: key, Reason: "not an integer: " + raw}
		}
		*dst = &v
	}
	return p, nil
}
