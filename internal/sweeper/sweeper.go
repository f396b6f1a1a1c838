package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
)

const batchSize = 100

type StaleLister interface {
	ListStaleOpen(ctx context.Context, q db.Querier, olderThan time.Time, limit int) ([]*reservation.Reservation, error)
}

// Canceller reports whether a cancel released anything, so records another
// path already closed are not counted as swept.
type Canceller interface {
	Release(ctx context.Context, res *reservation.Reservation) (bool, error)
}

type HoldExpirer interface {
	ExpireHolds(ctx context.Context) (int64, error)
}

// Sweeper releases reservations left OPEN by attempts that never reached
// compensation, such as a process crash between reserve and commit.
type Sweeper struct {
	db       db.Querier
	store    StaleLister
	cancel   Canceller
	holds    HoldExpirer
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	swept    func()
}

// New builds a sweeper. holds may be nil when stock lives in another service
// that expires its own holds; swept may be nil.
func New(q db.Querier, store StaleLister, cancel Canceller, holds HoldExpirer, maxAge, interval time.Duration, swept func()) *Sweeper {
	return &Sweeper{
		db:       q,
		store:    store,
		cancel:   cancel,
		holds:    holds,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		swept:    swept,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("max_age", s.maxAge).Msg("Reservation sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweeper: cycle failed")
			}
		}
	}
}

// Sweep cancels one batch of stale OPEN reservations and expires overdue
// stock holds. A failed cancel is logged and retried on the next cycle.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleOpen(ctx, s.db, s.now().Add(-s.maxAge), batchSize)
	if err != nil {
		return 0, err
	}

	var cancelled int
	for _, res := range stale {
		released, err := s.cancel.Release(ctx, res)
		if err != nil {
			log.Warn().Err(err).
				Stringer("reservation_id", res.ID).
				Str("kind", res.Kind().String()).
				Msg("sweeper: failed to cancel stale reservation")
			continue
		}
		if !released {
			continue
		}
		cancelled++
		if s.swept != nil {
			s.swept()
		}
	}

	if s.holds != nil {
		if _, err := s.holds.ExpireHolds(ctx); err != nil {
			return cancelled, err
		}
	}

	if cancelled > 0 {
		log.Info().Int("count", cancelled).Msg("sweeper: stale reservations cancelled")
	}
	return cancelled, nil
}
