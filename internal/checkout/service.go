package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/address"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/idempotency"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/saga"
	"golang.org/x/sync/singleflight"
)

var PaymentMethods = map[string]bool{
	"card":             true,
	"cash_on_delivery": true,
	"bank_transfer":    true,
	"wallet":           true,
}

type Guard interface {
	Begin(ctx context.Context, key string, userID uuid.UUID, requestHash string) (*idempotency.Outcome, *idempotency.Claim, error)
	Fail(ctx context.Context, claim *idempotency.Claim, code string)
	Remember(ctx context.Context, key string, userID uuid.UUID, requestHash string, out idempotency.Outcome)
}

type Carts interface {
	GetForUser(ctx context.Context, cartID, userID uuid.UUID) (*cart.Cart, error)
}

type Addresses interface {
	Get(ctx context.Context, id, userID uuid.UUID) (*address.Address, error)
}

type Coupons interface {
	Reserve(ctx context.Context, req reservation.CouponRequest) (*reservation.Reservation, error)
	Cancel(ctx context.Context, res *reservation.Reservation) error
}

type GiftCards interface {
	Reserve(ctx context.Context, req reservation.GiftCardRequest) (*reservation.Reservation, error)
	Cancel(ctx context.Context, res *reservation.Reservation) error
}

type Assembler interface {
	Assemble(ctx context.Context, d order.Draft) (*order.Order, error)
}

type StockConverter interface {
	Convert(ctx context.Context, holds []*reservation.Reservation, orderID uuid.UUID) (reservation.ConversionReport, error)
}

// Observer receives checkout outcomes for metrics.
type Observer interface {
	CheckoutFinished(outcome, code string)
	CompensationStep(step string, err error)
	StockConversion(report reservation.ConversionReport)
}

// Request is the checkout input. Its JSON form is the request fingerprint.
type Request struct {
	UserID            uuid.UUID `json:"user_id"`
	CartID            uuid.UUID `json:"cart_id"`
	ShippingAddressID uuid.UUID `json:"shipping_address_id"`
	BillingAddressID  uuid.UUID `json:"billing_address_id"`
	PaymentMethod     string    `json:"payment_method"`
	PaymentReference  string    `json:"payment_reference,omitempty"`
	CouponCode        string    `json:"coupon_code,omitempty"`
	GiftCardCode      string    `json:"gift_card_code,omitempty"`
	ShippingMethod    string    `json:"shipping_method,omitempty"`
}

type Result struct {
	OrderID       uuid.UUID                      `json:"order_id"`
	OrderNumber   string                         `json:"order_number"`
	Idempotent    bool                           `json:"idempotent"`
	Totals        *pricing.Breakdown             `json:"totals,omitempty"`
	StockWarnings []reservation.FailedConversion `json:"stock_warnings,omitempty"`
}

type Dependencies struct {
	Guard     Guard
	Carts     Carts
	Addresses Addresses
	Coupons   Coupons
	GiftCards GiftCards
	Assembler Assembler
	Stock     StockConverter
	Shipping  pricing.ShippingQuoter
	Observer  Observer
}

type Service struct {
	deps                Dependencies
	taxRate             decimal.Decimal
	compensationTimeout time.Duration
	inflight            singleflight.Group
}

func NewService(deps Dependencies, taxRate decimal.Decimal, compensationTimeout time.Duration) *Service {
	return &Service{deps: deps, taxRate: taxRate, compensationTimeout: compensationTimeout}
}

// Checkout turns the cart into an order at most once per idempotency key.
// Concurrent identical calls in this process share one attempt. The shared
// attempt does not inherit any caller's cancellation; it is bounded by the
// idempotency lease instead, and a caller that goes away stops waiting.
func (s *Service) Checkout(ctx context.Context, key string, req Request) (*Result, error) {
	req.CouponCode = strings.TrimSpace(req.CouponCode)
	req.GiftCardCode = strings.TrimSpace(req.GiftCardCode)
	req.ShippingMethod = strings.ToLower(strings.TrimSpace(req.ShippingMethod))

	hash, err := idempotency.Fingerprint(req)
	if err != nil {
		return nil, Classify(err)
	}

	detached := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(key+":"+hash, func() (any, error) {
		return s.checkout(detached, key, hash, req)
	})

	select {
	case <-ctx.Done():
		return nil, Classify(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		if r.Shared {
			log.Debug().Str("idempotency_key", key).Msg("Checkout shared with an in-flight attempt")
		}
		return &res, nil
	}
}

func (s *Service) checkout(ctx context.Context, key, hash string, req Request) (*Result, error) {
	prior, claim, err := s.deps.Guard.Begin(ctx, key, req.UserID, hash)
	if err != nil {
		ce := Classify(err)
		s.deps.Observer.CheckoutFinished("rejected", ce.Code)
		return nil, ce
	}
	if prior != nil {
		log.Info().
			Str("idempotency_key", key).
			Stringer("order_id", prior.OrderID).
			Msg("Checkout replayed")
		s.deps.Observer.CheckoutFinished("replayed", "")
		return &Result{OrderID: prior.OrderID, OrderNumber: prior.OrderNumber, Idempotent: true}, nil
	}

	comp := saga.New("checkout", s.compensationTimeout, s.deps.Observer.CompensationStep)

	attemptCtx, cancel := context.WithDeadline(ctx, claim.Deadline)
	defer cancel()

	res, err := s.attempt(attemptCtx, claim, req, comp)
	if err != nil {
		comp.Compensate(ctx)

		ce := Classify(err)
		if !errors.Is(err, idempotency.ErrLeaseLost) {
			s.deps.Guard.Fail(ctx, claim, ce.Code)
		}

		logEvent := log.Warn()
		if ce.Kind == KindFatal {
			logEvent = log.Error()
		}
		logEvent.Err(err).
			Str("idempotency_key", key).
			Stringer("user_id", req.UserID).
			Str("kind", string(ce.Kind)).
			Str("code", ce.Code).
			Msg("Checkout failed")

		s.deps.Observer.CheckoutFinished("failed", ce.Code)
		return nil, ce
	}

	s.deps.Guard.Remember(ctx, key, req.UserID, hash, idempotency.Outcome{OrderID: res.OrderID, OrderNumber: res.OrderNumber})
	s.deps.Observer.CheckoutFinished("created", "")
	return res, nil
}

// attempt runs one claimed checkout. Every reservation it takes is
// registered on comp before the next step starts.
func (s *Service) attempt(ctx context.Context, claim *idempotency.Claim, req Request, comp *saga.Saga) (*Result, error) {
	key := claim.Key

	if !PaymentMethods[req.PaymentMethod] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.PaymentMethod)
	}

	c, err := s.deps.Carts.GetForUser(ctx, req.CartID, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(c.Items) == 0 {
		return nil, cart.ErrEmptyCart
	}

	if _, err := s.deps.Addresses.Get(ctx, req.ShippingAddressID, req.UserID); err != nil {
		return nil, fmt.Errorf("shipping address: %w", err)
	}
	if _, err := s.deps.Addresses.Get(ctx, req.BillingAddressID, req.UserID); err != nil {
		return nil, fmt.Errorf("billing address: %w", err)
	}

	subtotal := pricing.Subtotal(c.Lines())
	shippingMethod := req.ShippingMethod
	if shippingMethod == "" {
		shippingMethod = s.deps.Shipping.DefaultMethod()
	}
	shipping, err := s.deps.Shipping.Quote(shippingMethod, subtotal)
	if err != nil {
		return nil, err
	}

	var couponRes *reservation.Reservation
	discount := decimal.Zero
	if req.CouponCode != "" {
		err := comp.Step(ctx, "coupon", func(ctx context.Context) (saga.Undo, error) {
			res, err := s.deps.Coupons.Reserve(ctx, reservation.CouponRequest{
				Code:           req.CouponCode,
				UserID:         req.UserID,
				Subtotal:       subtotal,
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, err
			}
			couponRes = res
			return func(ctx context.Context) error { return s.deps.Coupons.Cancel(ctx, res) }, nil
		})
		if err != nil {
			return nil, err
		}
		discount = couponRes.Amount()
	}

	due, err := pricing.Calculate(pricing.Input{
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		TaxRate:  s.taxRate,
	})
	if err != nil {
		return nil, err
	}

	var giftRes *reservation.Reservation
	offset := decimal.Zero
	if req.GiftCardCode != "" {
		err := comp.Step(ctx, "gift_card", func(ctx context.Context) (saga.Undo, error) {
			res, err := s.deps.GiftCards.Reserve(ctx, reservation.GiftCardRequest{
				Code:           req.GiftCardCode,
				UserID:         req.UserID,
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, err
			}
			giftRes = res
			return func(ctx context.Context) error { return s.deps.GiftCards.Cancel(ctx, res) }, nil
		})
		if err != nil {
			return nil, err
		}

		offset = pricing.GiftCardOffset(giftRes.Amount(), due.Total)
		if offset.IsZero() {
			// Nothing to consume: release the hold now instead of finalizing a zero debit.
			if err := s.deps.GiftCards.Cancel(ctx, giftRes); err != nil {
				return nil, err
			}
			giftRes = nil
		}
	}

	totals, err := pricing.Calculate(pricing.Input{
		Subtotal:       subtotal,
		Shipping:       shipping,
		Discount:       discount,
		TaxRate:        s.taxRate,
		GiftCardOffset: offset,
	})
	if err != nil {
		return nil, err
	}

	o, err := s.deps.Assembler.Assemble(ctx, order.Draft{
		UserID:            req.UserID,
		CartID:            c.ID,
		IdempotencyKey:    key,
		AttemptID:         claim.AttemptID,
		Items:             c.Items,
		Totals:            totals,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		ShippingMethod:    shippingMethod,
		PaymentMethod:     req.PaymentMethod,
		PaymentReference:  req.PaymentReference,
		Coupon:            couponRes,
		GiftCard:          giftRes,
	})
	if err != nil {
		return nil, err
	}
	comp.Complete()

	result := &Result{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Totals:      &totals,
	}
	result.StockWarnings = s.convertStock(ctx, c, o.ID)

	log.Info().
		Str("idempotency_key", key).
		Stringer("order_id", o.ID).
		Str("order_number", o.Number).
		Str("total", totals.Total.StringFixed(2)).
		Msg("Checkout completed")

	return result, nil
}

// convertStock runs after commit. Its failures never undo the order; they
// are returned as warnings for fulfilment.
func (s *Service) convertStock(ctx context.Context, c *cart.Cart, orderID uuid.UUID) []reservation.FailedConversion {
	var holds []*reservation.Reservation
	for _, it := range c.Items {
		if it.StockReservationID == "" {
			continue
		}
		holds = append(holds, &reservation.Reservation{
			Status: reservation.StatusOpen,
			UserID: c.UserID,
			Payload: &reservation.StockHold{
				ReservationID: it.StockReservationID,
				VariantID:     it.VariantID.UUID,
				Quantity:      it.Quantity,
			},
		})
	}
	if len(holds) == 0 {
		return nil
	}

	report, err := s.deps.Stock.Convert(context.WithoutCancel(ctx), holds, orderID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("Stock conversion failed, order kept")
		report = reservation.ConversionReport{}
		for _, h := range holds {
			report.Failed = append(report.Failed, reservation.FailedConversion{
				ReservationID: h.Stock().ReservationID,
				VariantID:     h.Stock().VariantID,
				Quantity:      h.Stock().Quantity,
				Reason:        "stock service error",
			})
		}
	}
	s.deps.Observer.StockConversion(report)
	return report.Failed
}
