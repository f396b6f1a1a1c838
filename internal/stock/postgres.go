package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

// PostgresClient keeps inventory in the service database. Available stock
// is on_hand - reserved and is only changed by atomic conditional updates.
type PostgresClient struct {
	tx      db.Transactor
	holdTTL time.Duration
	now     func() time.Time
}

func NewPostgresClient(tx db.Transactor, holdTTL time.Duration) *PostgresClient {
	return &PostgresClient{tx: tx, holdTTL: holdTTL, now: time.Now}
}

func (c *PostgresClient) Reserve(ctx context.Context, variantID uuid.UUID, quantity int, sessionID string, userID uuid.UUID) (ReserveResult, error) {
	if quantity <= 0 {
		return ReserveResult{}, fmt.Errorf("stock: quantity must be positive, got %d", quantity)
	}

	var result ReserveResult
	err := c.tx.ReadCommitted(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var available int
		err := tx.QueryRow(ctx, `
			UPDATE variant_stock
			SET reserved = reserved + $2, updated_at = now()
			WHERE variant_id = $1 AND on_hand - reserved >= $2
			RETURNING on_hand - reserved
		`, variantID, quantity).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `SELECT on_hand - reserved FROM variant_stock WHERE variant_id = $1`, variantID).Scan(&available)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("stock: failed to read availability of %s: %w", variantID, err)
			}
			result = ReserveResult{Success: false, Available: available}
			return nil
		}
		if err != nil {
			return fmt.Errorf("stock: failed to reserve %d of %s: %w", quantity, variantID, err)
		}

		holdID, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("stock: failed to generate hold id: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stock_holds (id, variant_id, quantity, session_id, user_id, status, expires_at)
			VALUES ($1, $2, $3, $4, $5, 'RESERVED', $6)
		`, holdID, variantID, quantity, sessionID, userID, c.now().Add(c.holdTTL))
		if err != nil {
			return fmt.Errorf("stock: failed to insert hold for %s: %w", variantID, err)
		}

		result = ReserveResult{Success: true, ReservationID: holdID.String(), Available: available}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return result, nil
}

// CancelReservation releases a RESERVED hold. Releasing a hold that is no
// longer RESERVED is a no-op.
func (c *PostgresClient) CancelReservation(ctx context.Context, reservationID string) error {
	holdID, err := uuid.FromString(reservationID)
	if err != nil {
		return ErrHoldNotFound
	}

	return c.tx.ReadCommitted(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var (
			variantID uuid.UUID
			quantity  int
		)
		err := tx.QueryRow(ctx, `
			UPDATE stock_holds
			SET status = 'RELEASED', updated_at = now()
			WHERE id = $1 AND status = 'RESERVED'
			RETURNING variant_id, quantity
		`, holdID).Scan(&variantID, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_holds WHERE id = $1)`, holdID).Scan(&exists); err != nil {
				return fmt.Errorf("stock: failed to look up hold %s: %w", holdID, err)
			}
			if !exists {
				return ErrHoldNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("stock: failed to release hold %s: %w", holdID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE variant_stock SET reserved = reserved - $2, updated_at = now() WHERE variant_id = $1
		`, variantID, quantity)
		if err != nil {
			return fmt.Errorf("stock: failed to return %d units of %s: %w", quantity, variantID, err)
		}
		return nil
	})
}

// ConvertReservationsToOrder converts each hold in its own transaction so
// one bad hold does not prevent the others from converting.
func (c *PostgresClient) ConvertReservationsToOrder(ctx context.Context, reservationIDs []string, orderID uuid.UUID) (ConvertResult, error) {
	result := ConvertResult{AllConverted: true, Items: make([]ItemResult, 0, len(reservationIDs))}

	for _, id := range reservationIDs {
		item := ItemResult{ReservationID: id}
		if err := c.convertOne(ctx, id, orderID); err != nil {
			item.Reason = err.Error()
			result.AllConverted = false
		} else {
			item.Converted = true
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}

func (c *PostgresClient) convertOne(ctx context.Context, reservationID string, orderID uuid.UUID) error {
	holdID, err := uuid.FromString(reservationID)
	if err != nil {
		return ErrHoldNotFound
	}

	return c.tx.ReadCommitted(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var (
			variantID uuid.UUID
			quantity  int
		)
		err := tx.QueryRow(ctx, `
			UPDATE stock_holds
			SET status = 'CONVERTED', order_id = $2, updated_at = now()
			WHERE id = $1 AND status = 'RESERVED' AND expires_at > now()
			RETURNING variant_id, quantity
		`, holdID, orderID).Scan(&variantID, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("hold %s is expired, released or unknown", reservationID)
		}
		if err != nil {
			return fmt.Errorf("stock: failed to convert hold %s: %w", reservationID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE variant_stock
			SET on_hand = on_hand - $2, reserved = reserved - $2, updated_at = now()
			WHERE variant_id = $1
		`, variantID, quantity)
		if err != nil {
			return fmt.Errorf("stock: failed to decrement %s: %w", variantID, err)
		}
		return nil
	})
}

// ExpireHolds returns reserved units of holds past their deadline.
func (c *PostgresClient) ExpireHolds(ctx context.Context) (int64, error) {
	var released int64
	err := c.tx.ReadCommitted(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cmdTag, err := tx.Exec(ctx, `
			WITH expired AS (
				UPDATE stock_holds
				SET status = 'EXPIRED', updated_at = now()
				WHERE status = 'RESERVED' AND expires_at <= $1
				RETURNING variant_id, quantity
			), totals AS (
				SELECT variant_id, SUM(quantity) AS quantity FROM expired GROUP BY variant_id
			)
			UPDATE variant_stock v
			SET reserved = v.reserved - t.quantity, updated_at = now()
			FROM totals t
			WHERE v.variant_id = t.variant_id
		`, c.now())
		if err != nil {
			return fmt.Errorf("stock: failed to expire holds: %w", err)
		}
		released = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		log.Info().Int64("variants", released).Msg("Expired stock holds released")
	}
	return released, nil
}
