// Package settings holds the hot-swappable RuntimeConfig. Readers load an
// immutable snapshot through an atomic pointer and never block on updates.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// Persister writes the flattened config. domain.PeerStore satisfies it.
type Persister interface {
	SaveRuntimeConfig(ctx context.Context, kv map[string]string) error
}

// Store owns the current snapshot.
type Store struct {
	current atomic.Pointer[domain.RuntimeConfig]
	writeMu sync.Mutex // serializes Update
	log     *zap.Logger
}

// New validates seed and publishes it.
func New(seed domain.RuntimeConfig) (*Store, error) {
	if err := Validate(seed); err != nil {
		return nil, err
	}
	s := &Store{log: logger.New("settings")}
	s.current.Store(&seed)
	return s, nil
}

// Current returns the published snapshot.
func (s *Store) Current() domain.RuntimeConfig {
	return *s.current.Load()
}

// Update merges patch into the current snapshot, validates it, persists it
// and only then publishes it. On any error the previous snapshot stays.
func (s *Store) Update(ctx context.Context, patch domain.RuntimeConfigPatch, p Persister) (domain.RuntimeConfig, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.Current()
	next := prev.Apply(patch)
	if err := Validate(next); err != nil {
		metrics.ConfigUpdates.WithLabelValues("invalid").Inc()
		return prev, err
	}
	if p != nil {
		if err := p.SaveRuntimeConfig(ctx, next.KeyValues()); err != nil {
			metrics.ConfigUpdates.WithLabelValues("store_error").Inc()
			if !errors.Is(err, domain.ErrStoreUnavailable) {
				err = domain.Unavailable("save_config", err)
			}
			return prev, err
		}
	}
	s.current.Store(&next)
	metrics.ConfigUpdates.WithLabelValues("applied").Inc()
	s.log.Info("runtime config updated",
		zap.Any("previous", prev),
		zap.Any("current", next))
	return next, nil
}

// LoadFrom overlays values stored by a previous admin update on top of the
// current snapshot. Malformed or invalid stored values are logged and
// ignored.
func (s *Store) LoadFrom(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	patch, err := domain.PatchFromKeyValues(kv)
	if err != nil {
		s.log.Warn("ignoring malformed stored runtime config", zap.Error(err))
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := s.Current().Apply(patch)
	if err := Validate(next); err != nil {
		s.log.Warn("ignoring invalid stored runtime config", zap.Error(err))
		return err
	}
	s.current.Store(&next)
	s.log.Info("runtime config restored from store", zap.Any("config", next))
	return nil
}

// Validate checks the ordering and range invariants. Failures are returned
// as *domain.ConfigError listing every offending field.
func Validate(cfg domain.RuntimeConfig) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ConfigError{Fields: []domain.FieldError{{Field: "config", Reason: err.Error()}}}
	}
	out := &domain.ConfigError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, domain.FieldError{Field: jsonName(fe.StructField()), Reason: reason(fe)})
	}
	return out
}

func jsonName(field string) string {
	switch field {
	case "PeerTimeoutSecs":
		return domain.KeyPeerTimeoutSecs
	case "HeartbeatIntervalSecs":
		return domain.KeyHeartbeatIntervalSecs
	case "WarningThreshold":
		return domain.KeyWarningThreshold
	case "CriticalThreshold":
		return domain.KeyCriticalThreshold
	case "DBSyncIntervalSecs":
		return domain.KeyDBSyncIntervalSecs
	}
	return field
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be greater than %s (got %v)", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "gtfield":
		return fmt.Sprintf("must be greater than %s (got %v)", jsonName(fe.Param()), fe.Value())
	}
	return fmt.Sprintf("failed %s (got %v)", fe.Tag(), fe.Value())
}
