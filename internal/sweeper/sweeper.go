// Package sweeper periodically drops expired claims so the stored document
// stays small even when nobody reads it. When several replicas share one
// claim store only the lease holder sweeps.
package sweeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/lease"
)

const defaultResource = "claims-sweep"

type Config struct {
	Interval time.Duration
	Owner    string
	Resource string
}

type Sweeper struct {
	claims *claims.Cache
	leases lease.Manager
	cfg    Config
	logger *zap.Logger

	held lease.Lease
}

func New(cache *claims.Cache, leases lease.Manager, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if cache == nil {
		return nil, errors.New("claims cache is required")
	}
	if leases == nil {
		return nil, errors.New("lease manager is required")
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, errors.New("sweeper owner is required")
	}
	if strings.TrimSpace(cfg.Resource) == "" {
		cfg.Resource = defaultResource
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{claims: cache, leases: leases, cfg: cfg, logger: logger}, nil
}

// Run sweeps every Interval until ctx is done. A non-positive Interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info("claims sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.release()

	s.logger.Info("claims sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("owner", s.cfg.Owner),
	)

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

// Sweep runs one pass. It reports false without touching the store when
// another owner holds the lease.
func (s *Sweeper) Sweep(ctx context.Context) (bool, error) {
	leader, err := s.lead(ctx)
	if err != nil || !leader {
		return false, err
	}
	before := s.claims.Len()
	if err := s.claims.CleanupExpired(ctx); err != nil {
		return true, err
	}
	if removed := before - s.claims.Len(); removed > 0 {
		s.logger.Info("expired claims removed", zap.Int("removed", removed), zap.Int("remaining", s.claims.Len()))
	}
	return true, nil
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("claims sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) lead(ctx context.Context) (bool, error) {
	ttl := 2 * s.cfg.Interval
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}
	if s.held.Token != 0 {
		renewed, ok, err := s.leases.Renew(ctx, s.held, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			s.held = renewed
			return true, nil
		}
		s.logger.Info("claims sweep lease lost", zap.Uint64("token", s.held.Token))
		s.held = lease.Lease{}
	}

	acquired, ok, err := s.leases.Acquire(ctx, s.cfg.Resource, s.cfg.Owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	s.held = acquired
	s.logger.Debug("claims sweep lease acquired", zap.Uint64("token", acquired.Token))
	return true, nil
}

func (s *Sweeper) release() {
	if s.held.Token == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.leases.Release(ctx, s.held); err != nil {
		s.logger.Warn("release claims sweep lease", zap.Error(err))
	}
	s.held = lease.Lease{}
}
