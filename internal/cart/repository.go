package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// GetForUser loads a cart with its items in position order. A cart owned by
// another user is reported as not found.
func (r *Repository) GetForUser(ctx context.Context, cartID, userID uuid.UUID) (*Cart, error) {
	var c Cart
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, session_id FROM carts WHERE id = $1 AND user_id = $2
	`, cartID, userID).Scan(&c.ID, &c.UserID, &c.SessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("repository: failed to select cart %s: %w", cartID, err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, cart_id, product_id, variant_id, name, quantity, unit_price,
		       COALESCE(stock_reservation_id, ''), position, created_at
		FROM cart_items
		WHERE cart_id = $1
		ORDER BY position
	`, cartID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query items of cart %s: %w", cartID, err)
	}
	defer rows.Close()

	c.Items = make([]Item, 0)
	for rows.Next() {
		var it Item
		err := rows.Scan(
			&it.ID,
			&it.CartID,
			&it.ProductID,
			&it.VariantID,
			&it.Name,
			&it.Quantity,
			&it.UnitPrice,
			&it.StockReservationID,
			&it.Position,
			&it.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan item of cart %s: %w", cartID, err)
		}
		c.Items = append(c.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating items of cart %s: %w", cartID, err)
	}

	return &c, nil
}

// AddItem appends item at the end of the cart.
func (r *Repository) AddItem(ctx context.Context, item *Item) error {
	if item.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate cart item id: %w", err)
		}
		item.ID = id
	}

	var reservationID *string
	if item.StockReservationID != "" {
		reservationID = &item.StockReservationID
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, variant_id, name, quantity, unit_price, stock_reservation_id, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		        (SELECT COALESCE(MAX(position), 0) + 1 FROM cart_items WHERE cart_id = $2))
		RETURNING position, created_at
	`,
		item.ID,
		item.CartID,
		item.ProductID,
		item.VariantID,
		item.Name,
		item.Quantity,
		item.UnitPrice,
		reservationID,
	).Scan(&item.Position, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert item into cart %s: %w", item.CartID, err)
	}
	return nil
}

// ClearItems empties the cart on q. It runs inside the order transaction.
func (r *Repository) ClearItems(ctx context.Context, q db.Querier, cartID uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("repository: failed to clear cart %s: %w", cartID, err)
	}
	return nil
}
