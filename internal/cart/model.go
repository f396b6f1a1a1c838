package cart

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	ErrEmptyCart    = errors.New("cart is empty")
)

type Item struct {
	ID                 uuid.UUID       `json:"id"`
	CartID             uuid.UUID       `json:"cart_id"`
	ProductID          uuid.UUID       `json:"product_id"`
	VariantID          uuid.NullUUID   `json:"variant_id"`
	Name               string          `json:"name"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	StockReservationID string          `json:"stock_reservation_id,omitempty"`
	Position           int             `json:"position"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Cart struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id"`
	Items     []Item    `json:"items"`
}

func (c *Cart) Lines() []pricing.Line {
	lines := make([]pricing.Line, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, pricing.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity})
	}
	return lines
}

// StockReservationIDs lists the stock holds taken for the cart items.
func (c *Cart) StockReservationIDs() []string {
	var ids []string
	for _, it := range c.Items {
		if it.StockReservationID != "" {
			ids = append(ids, it.StockReservationID)
		}
	}
	return ids
}
