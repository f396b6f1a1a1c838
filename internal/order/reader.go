package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
)

// Reader serves the order read side over sqlx.
type Reader struct {
	db *sqlx.DB
}

func NewReader(db *sqlx.DB) *Reader {
	return &Reader{db: db}
}

// GetByID returns the order with its items, timeline and payment. Orders of
// other users are reported as not found.
func (r *Reader) GetByID(ctx context.Context, orderID, userID uuid.UUID) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, `
		SELECT id, number, user_id, cart_id, status,
		       subtotal, shipping, tax, discount, gift_card_offset, total,
		       shipping_address_id, billing_address_id, shipping_method, payment_method,
		       coupon_code, idempotency_key, created_at, updated_at
		FROM orders
		WHERE id = $1 AND user_id = $2
	`, orderID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", orderID, err)
	}

	o.Items = make([]OrderItem, 0)
	err = r.db.SelectContext(ctx, &o.Items, `
		SELECT id, order_id, product_id, variant_id, name, quantity, unit_price, line_total, position
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order id %s: %w", orderID, err)
	}

	o.Timeline = make([]StatusEvent, 0)
	err = r.db.SelectContext(ctx, &o.Timeline, `
		SELECT status, note, created_at
		FROM order_status_events
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query timeline for order id %s: %w", orderID, err)
	}

	var p Payment
	err = r.db.GetContext(ctx, &p, `
		SELECT id, method, amount, provider_reference, status, created_at
		FROM payments
		WHERE order_id = $1
	`, orderID)
	switch {
	case err == nil:
		o.Payment = &p
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("repository: failed to select payment for order id %s: %w", orderID, err)
	}

	return &o, nil
}
