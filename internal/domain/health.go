package domain

import "time"

// Classify maps the silence since the last heartbeat to a health state.
//
// A peer stays Online until it has missed warning_threshold intervals, is
// Degraded until it has missed critical_threshold intervals, is Critical until
// peer_timeout elapses, and is Offline afterwards. For a fixed config the
// result never moves backward as elapsed grows.
func Classify(elapsed time.Duration, cfg RuntimeConfig) HealthState {
	if elapsed < 0 {
		elapsed = 0
	}
	interval := cfg.HeartbeatInterval()
	switch {
	case elapsed > cfg.PeerTimeout():
		return HealthOffline
	case elapsed > interval*time.Duration(cfg.CriticalThreshold):
		return HealthCritical
	case elapsed > interval*time.Duration(cfg.WarningThreshold):
		return HealthDegraded
	default:
		return HealthOnline
	}
}
