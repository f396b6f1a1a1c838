package order

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/idempotency"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/outbox"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
)

const idempotencyKeyConstraint = "orders_idempotency_key_key"

type CouponFinalizer interface {
	Finalize(ctx context.Context, q db.Querier, res *reservation.Reservation, orderID uuid.UUID, subtotal decimal.Decimal) error
}

type GiftCardFinalizer interface {
	Finalize(ctx context.Context, q db.Querier, res *reservation.Reservation, orderID uuid.UUID, applied decimal.Decimal) (decimal.Decimal, error)
}

type CartClearer interface {
	ClearItems(ctx context.Context, q db.Querier, cartID uuid.UUID) error
}

type SuccessRecorder interface {
	MarkSucceeded(ctx context.Context, q db.Querier, key string, attemptID uuid.UUID, out idempotency.Outcome) error
}

type Recorder interface {
	InsertOrder(ctx context.Context, q db.Querier, o *Order) error
	AppendStatus(ctx context.Context, q db.Querier, orderID uuid.UUID, ev *StatusEvent) error
	InsertPayment(ctx context.Context, q db.Querier, orderID uuid.UUID, p *Payment) error
}

type Numberer interface {
	Generate(ctx context.Context, q db.Querier) (string, error)
}

// Draft is everything the checkout decided before committing.
type Draft struct {
	UserID            uuid.UUID
	CartID            uuid.UUID
	IdempotencyKey    string
	AttemptID         uuid.UUID
	Items             []cart.Item
	Totals            pricing.Breakdown
	ShippingAddressID uuid.UUID
	BillingAddressID  uuid.UUID
	ShippingMethod    string
	PaymentMethod     string
	PaymentReference  string
	Coupon            *reservation.Reservation
	GiftCard          *reservation.Reservation
}

type Assembler struct {
	tx          db.Transactor
	numbers     Numberer
	writer      Recorder
	coupons     CouponFinalizer
	giftCards   GiftCardFinalizer
	carts       CartClearer
	idempotency SuccessRecorder
	events      outbox.Appender
}

func NewAssembler(
	tx db.Transactor,
	numbers Numberer,
	writer Recorder,
	coupons CouponFinalizer,
	giftCards GiftCardFinalizer,
	carts CartClearer,
	idem SuccessRecorder,
	events outbox.Appender,
) *Assembler {
	return &Assembler{
		tx:          tx,
		numbers:     numbers,
		writer:      writer,
		coupons:     coupons,
		giftCards:   giftCards,
		carts:       carts,
		idempotency: idem,
		events:      events,
	}
}

// Assemble commits the order in one serializable transaction: the order and
// its items, coupon and gift-card finalization, cart clearing, the payment,
// the idempotency success and the order.created event. Nothing is visible
// unless all of it commits.
func (a *Assembler) Assemble(ctx context.Context, d Draft) (*Order, error) {
	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("order: failed to generate order ID: %w", err)
	}

	var o *Order
	err = a.tx.Serializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		number, err := a.numbers.Generate(ctx, tx)
		if err != nil {
			return err
		}

		o = newOrder(orderID, number, d)
		if err := a.writer.InsertOrder(ctx, tx, o); err != nil {
			if db.IsUniqueViolation(err, idempotencyKeyConstraint) {
				return idempotency.ErrLeaseLost
			}
			return err
		}

		created := StatusEvent{Status: StatusPending, Note: "order placed"}
		if err := a.writer.AppendStatus(ctx, tx, o.ID, &created); err != nil {
			return err
		}
		o.Timeline = []StatusEvent{created}

		if d.Coupon != nil {
			if err := a.coupons.Finalize(ctx, tx, d.Coupon, o.ID, d.Totals.Subtotal); err != nil {
				return err
			}
		}

		if d.GiftCard != nil {
			if _, err := a.giftCards.Finalize(ctx, tx, d.GiftCard, o.ID, d.Totals.GiftCardOffset); err != nil {
				return err
			}
		}

		if err := a.carts.ClearItems(ctx, tx, d.CartID); err != nil {
			return err
		}

		payment := &Payment{
			Method:            d.PaymentMethod,
			Amount:            o.Total,
			ProviderReference: d.PaymentReference,
			Status:            PaymentAuthorized,
		}
		if payment.ProviderReference == "" {
			payment.ProviderReference = "PAY-" + o.Number
		}
		if err := a.writer.InsertPayment(ctx, tx, o.ID, payment); err != nil {
			return err
		}
		o.Payment = payment

		out := idempotency.Outcome{OrderID: o.ID, OrderNumber: o.Number}
		if err := a.idempotency.MarkSucceeded(ctx, tx, d.IdempotencyKey, d.AttemptID, out); err != nil {
			return err
		}

		return a.events.Append(ctx, tx, outbox.EventOrderCreated, o.ID.String(), CreatedEvent{
			OrderID:     o.ID,
			OrderNumber: o.Number,
			UserID:      o.UserID,
			Total:       o.Total,
			ItemCount:   len(o.Items),
			CreatedAt:   o.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Stringer("order_id", o.ID).
		Str("order_number", o.Number).
		Str("total", o.Total.StringFixed(2)).
		Msg("Order committed")

	return o, nil
}

func newOrder(id uuid.UUID, number string, d Draft) *Order {
	o := &Order{
		ID:                id,
		Number:            number,
		UserID:            d.UserID,
		CartID:            d.CartID,
		Status:            StatusPending,
		Subtotal:          d.Totals.Subtotal,
		Shipping:          d.Totals.Shipping,
		Tax:               d.Totals.Tax,
		Discount:          d.Totals.Discount,
		GiftCardOffset:    d.Totals.GiftCardOffset,
		Total:             d.Totals.Total,
		ShippingAddressID: d.ShippingAddressID,
		BillingAddressID:  d.BillingAddressID,
		ShippingMethod:    d.ShippingMethod,
		PaymentMethod:     d.PaymentMethod,
		IdempotencyKey:    d.IdempotencyKey,
		Items:             make([]OrderItem, 0, len(d.Items)),
	}
	if d.Coupon != nil {
		o.CouponCode = d.Coupon.Coupon().Code
	}
	for i, it := range d.Items {
		o.Items = append(o.Items, OrderItem{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))),
			Position:  i + 1,
		})
	}
	return o
}
