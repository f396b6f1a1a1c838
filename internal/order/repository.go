package order

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

// Writer inserts the order aggregate. Every method runs on the caller's
// transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) InsertOrder(ctx context.Context, q db.Querier, o *Order) error {
	err := q.QueryRow(ctx, `
		INSERT INTO orders (
			id, number, user_id, cart_id, status,
			subtotal, shipping, tax, discount, gift_card_offset, total,
			shipping_address_id, billing_address_id, shipping_method, payment_method,
			coupon_code, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`,
		o.ID,
		o.Number,
		o.UserID,
		o.CartID,
		string(o.Status),
		o.Subtotal,
		o.Shipping,
		o.Tax,
		o.Discount,
		o.GiftCardOffset,
		o.Total,
		o.ShippingAddressID,
		o.BillingAddressID,
		o.ShippingMethod,
		o.PaymentMethod,
		o.CouponCode,
		o.IdempotencyKey,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	for i := range o.Items {
		item := &o.Items[i]

		itemID, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate order item ID: %w", err)
		}
		item.ID = itemID
		item.OrderID = o.ID

		_, err = q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, variant_id, name, quantity, unit_price, line_total, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			item.ID,
			item.OrderID,
			item.ProductID,
			item.VariantID,
			item.Name,
			item.Quantity,
			item.UnitPrice,
			item.LineTotal,
			item.Position,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
		}
	}
	return nil
}

func (w *Writer) AppendStatus(ctx context.Context, q db.Querier, orderID uuid.UUID, ev *StatusEvent) error {
	err := q.QueryRow(ctx, `
		INSERT INTO order_status_events (order_id, status, note)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, orderID, string(ev.Status), ev.Note).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to append status %s for order %s: %w", ev.Status, orderID, err)
	}
	return nil
}

func (w *Writer) InsertPayment(ctx context.Context, q db.Querier, orderID uuid.UUID, p *Payment) error {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("repository: failed to generate payment ID: %w", err)
	}
	p.ID = id

	err = q.QueryRow(ctx, `
		INSERT INTO payments (id, order_id, method, amount, provider_reference, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.ID, orderID, p.Method, p.Amount, p.ProviderReference, string(p.Status)).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert payment for order %s: %w", orderID, err)
	}
	return nil
}
