package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

// cancelRecord is idempotent: cancelling a CANCELLED record does nothing,
// cancelling a FINALIZED record is logged and ignored, and cancelling a
// record that was never persisted is a no-op. It reports whether this call
// moved the record to CANCELLED.
func cancelRecord(ctx context.Context, tx db.Transactor, store *Store, res *Reservation, action string) (bool, error) {
	var (
		status  Status
		changed bool
	)

	err := tx.ReadCommitted(ctx, func(ctx context.Context, q pgx.Tx) error {
		var err error
		status, changed, err = store.MarkCancelled(ctx, q, res.ID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		res.Status = StatusCancelled
		return store.Audit(ctx, q, action, res, nil)
	})
	if errors.Is(err, ErrReservationNotFound) {
		log.Debug().Stringer("reservation_id", res.ID).Msg("Cancel skipped, reservation was never persisted")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case changed:
		log.Info().Stringer("reservation_id", res.ID).Str("kind", res.Kind().String()).Msg("Reservation cancelled")
	case status == StatusFinalized:
		res.Status = StatusFinalized
		log.Warn().Stringer("reservation_id", res.ID).Str("kind", res.Kind().String()).Msg("Cancel ignored, reservation already finalized")
	default:
		res.Status = status
		log.Debug().Stringer("reservation_id", res.ID).Msg("Cancel ignored, reservation already cancelled")
	}
	return changed, nil
}

// Canceller routes a cancel to the service owning the reservation kind.
type Canceller struct {
	coupons   *CouponService
	giftCards *GiftCardService
	stock     *StockService
}

func NewCanceller(coupons *CouponService, giftCards *GiftCardService, stock *StockService) *Canceller {
	return &Canceller{coupons: coupons, giftCards: giftCards, stock: stock}
}

// Release cancels res and reports whether anything was released. A record
// already terminal, or a stock hold the stock side no longer knows, yields
// false.
func (c *Canceller) Release(ctx context.Context, res *Reservation) (bool, error) {
	switch res.Kind() {
	case KindCoupon:
		return cancelRecord(ctx, c.coupons.tx, c.coupons.store, res, "coupon.cancel")
	case KindGiftCard:
		return cancelRecord(ctx, c.giftCards.tx, c.giftCards.store, res, "giftcard.cancel")
	case KindStock:
		return c.stock.release(ctx, res)
	default:
		return false, fmt.Errorf("reservation: no canceller for kind %q", res.Kind())
	}
}
