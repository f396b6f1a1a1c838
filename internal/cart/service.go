package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/saga"
)

var ErrInvalidItem = errors.New("cart item quantity must be positive and price non-negative")

type Store interface {
	GetForUser(ctx context.Context, cartID, userID uuid.UUID) (*Cart, error)
	AddItem(ctx context.Context, item *Item) error
}

type StockReserver interface {
	Reserve(ctx context.Context, variantID uuid.UUID, quantity int, sessionID string, userID uuid.UUID) (*reservation.Reservation, error)
	Cancel(ctx context.Context, res *reservation.Reservation) error
}

type AddItemInput struct {
	ProductID uuid.UUID
	VariantID uuid.NullUUID
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

type Service struct {
	store        Store
	stock        StockReserver
	cancelBudget time.Duration
}

func NewService(store Store, stock StockReserver, cancelBudget time.Duration) *Service {
	return &Service{store: store, stock: stock, cancelBudget: cancelBudget}
}

// AddItem takes a stock hold for variant items and stores the item with the
// hold id. The hold is released if the item cannot be stored.
func (s *Service) AddItem(ctx context.Context, userID, cartID uuid.UUID, in AddItemInput) (*Item, error) {
	if in.Quantity <= 0 || in.UnitPrice.IsNegative() {
		return nil, ErrInvalidItem
	}

	c, err := s.store.GetForUser(ctx, cartID, userID)
	if err != nil {
		return nil, err
	}

	item := &Item{
		CartID:    c.ID,
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Name:      in.Name,
		Quantity:  in.Quantity,
		UnitPrice: in.UnitPrice,
	}

	tx := saga.New("cart.add_item", s.cancelBudget, nil)

	if in.VariantID.Valid {
		err := tx.Step(ctx, "stock", func(ctx context.Context) (saga.Undo, error) {
			hold, err := s.stock.Reserve(ctx, in.VariantID.UUID, in.Quantity, c.SessionID, userID)
			if err != nil {
				return nil, err
			}
			item.StockReservationID = hold.Stock().ReservationID
			return func(ctx context.Context) error { return s.stock.Cancel(ctx, hold) }, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.AddItem(ctx, item); err != nil {
		tx.Compensate(ctx)
		return nil, fmt.Errorf("service: failed to add item to cart %s: %w", cartID, err)
	}
	tx.Complete()

	log.Info().
		Stringer("cart_id", cartID).
		Stringer("product_id", in.ProductID).
		Int("quantity", in.Quantity).
		Str("stock_reservation_id", item.StockReservationID).
		Msg("Item added to cart")

	return item, nil
}
