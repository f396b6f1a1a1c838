package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/address"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/idempotency"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/stock"
)

var ErrInvalidPaymentMethod = errors.New("unsupported payment method")

type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindConflict   Kind = "CONFLICT"
	KindFatal      Kind = "FATAL"
)

// Error is what callers of the checkout see. Message is safe to show to the
// client; Err keeps the cause for logs.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type rule struct {
	target error
	kind   Kind
	code   string
	msg    string
}

// rules are matched in order with errors.Is; the first match wins.
var rules = []rule{
	{idempotency.ErrInvalidKey, KindValidation, "INVALID_IDEMPOTENCY_KEY", ""},
	{idempotency.ErrKeyReused, KindValidation, "IDEMPOTENCY_KEY_REUSED", ""},
	{idempotency.ErrInProgress, KindConflict, "CHECKOUT_IN_PROGRESS", ""},
	{idempotency.ErrLeaseLost, KindConflict, "CHECKOUT_IN_PROGRESS", "a concurrent attempt with this idempotency key is completing, retry with the same key"},

	{cart.ErrCartNotFound, KindNotFound, "CART_NOT_FOUND", ""},
	{cart.ErrEmptyCart, KindValidation, "EMPTY_CART", ""},
	{cart.ErrInvalidItem, KindValidation, "INVALID_CART_ITEM", ""},
	{address.ErrAddressNotFound, KindNotFound, "ADDRESS_NOT_FOUND", ""},
	{order.ErrOrderNotFound, KindNotFound, "ORDER_NOT_FOUND", ""},
	{ErrInvalidPaymentMethod, KindValidation, "INVALID_PAYMENT_METHOD", ""},
	{pricing.ErrUnknownShippingMethod, KindValidation, "INVALID_SHIPPING_METHOD", "unknown shipping method"},
	{pricing.ErrNegativeTotal, KindValidation, "NEGATIVE_TOTAL", "order total cannot be negative"},

	{reservation.ErrCouponNotFound, KindValidation, "COUPON_INVALID", ""},
	{reservation.ErrCouponUsed, KindValidation, "COUPON_USED", ""},
	{reservation.ErrCouponExpired, KindValidation, "COUPON_EXPIRED", ""},
	{reservation.ErrCouponMinOrder, KindValidation, "COUPON_MIN_ORDER", ""},
	{reservation.ErrCouponStale, KindValidation, "COUPON_STALE", ""},
	{reservation.ErrCouponExhausted, KindExhausted, "COUPON_EXHAUSTED", ""},
	{reservation.ErrCouponHeld, KindConflict, "COUPON_HELD", ""},

	{reservation.ErrGiftCardNotFound, KindValidation, "GIFT_CARD_INVALID", ""},
	{reservation.ErrGiftCardNotOwned, KindValidation, "GIFT_CARD_INVALID", "gift card cannot be used by this account"},
	{reservation.ErrGiftCardExpired, KindValidation, "GIFT_CARD_EXPIRED", ""},
	{reservation.ErrGiftCardEmpty, KindExhausted, "GIFT_CARD_EMPTY", ""},
	{reservation.ErrGiftCardStale, KindExhausted, "GIFT_CARD_INSUFFICIENT", ""},

	{reservation.ErrStockUnavailable, KindExhausted, "OUT_OF_STOCK", ""},
	{reservation.ErrNotOpen, KindConflict, "RESERVATION_RELEASED", "a reservation was released before the order committed, retry with the same idempotency key"},

	{db.ErrSerialization, KindConflict, "CONFLICT", "the checkout conflicted with a concurrent request, retry with the same idempotency key"},
	{db.ErrTxTimeout, KindFatal, "TIMEOUT", "the checkout timed out"},
	{order.ErrNumberExhausted, KindFatal, "ORDER_NUMBER_EXHAUSTED", "could not create the order, try again later"},
	{stock.ErrUnavailable, KindFatal, "STOCK_UNAVAILABLE", "inventory is temporarily unavailable"},
	{context.DeadlineExceeded, KindFatal, "TIMEOUT", "the checkout timed out"},
	{context.Canceled, KindConflict, "CANCELLED", "the request was cancelled, retry with the same idempotency key"},
}

// Classify maps err onto the checkout taxonomy. Unknown errors are FATAL
// with a generic message.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	for _, r := range rules {
		if errors.Is(err, r.target) {
			msg := r.msg
			if msg == "" {
				msg = r.target.Error()
			}
			return &Error{Kind: r.kind, Code: r.code, Message: msg, Err: err}
		}
	}
	return &Error{Kind: KindFatal, Code: "INTERNAL", Message: "internal error", Err: err}
}
