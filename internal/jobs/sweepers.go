package jobs

import (
	"context"
	"time"

	"github.com/inkfable/tokenledger/internal/authz"
	"github.com/inkfable/tokenledger/internal/promo"

	log "github.com/sirupsen/logrus"
)

// Sweep intervals.
const (
	// DefaultHoldSweepInterval is the pause between hold-expiry passes.
	DefaultHoldSweepInterval = time.Minute
	// DefaultPromoSweepInterval is the pause between promo decay passes.
	DefaultPromoSweepInterval = time.Hour
)

// HoldSweeper expires stale authorization holds on a timer.
type HoldSweeper struct {
	engine   *authz.Engine
	interval time.Duration
}

// NewHoldSweeper constructs a HoldSweeper.
func NewHoldSweeper(engine *authz.Engine, interval time.Duration) *HoldSweeper {
	if interval <= 0 {
		interval = DefaultHoldSweepInterval
	}
	return &HoldSweeper{engine: engine, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *HoldSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval.String()).Info("hold sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("hold sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.engine.ExpireOldAuthorizations(ctx, time.Now().UTC()); err != nil {
				log.WithError(err).Error("hold expiry pass failed")
			}
		}
	}
}

// PromoSweeper settles due promo expiry schedules on a timer.
type PromoSweeper struct {
	scheduler *promo.Scheduler
	interval  time.Duration
	batch     int
}

// NewPromoSweeper constructs a PromoSweeper.
func NewPromoSweeper(scheduler *promo.Scheduler, interval time.Duration, batch int) *PromoSweeper {
	if interval <= 0 {
		interval = DefaultPromoSweepInterval
	}
	return &PromoSweeper{scheduler: scheduler, interval: interval, batch: batch}
}

// Run sweeps until the context is cancelled.
func (s *PromoSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval.String()).Info("promo sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("promo sweeper stopped")
			return
		case <-ticker.C:
			result, err := s.scheduler.ProcessExpiries(ctx, time.Now().UTC(), s.batch)
			if err != nil {
				log.WithError(err).Error("promo decay pass failed")
				continue
			}
			if result.Processed > 0 {
				log.WithFields(log.Fields{
					"schedules":      result.Processed,
					"tokens_expired": result.TokensExpired,
				}).Info("promo decay pass settled schedules")
			}
		}
	}
}
