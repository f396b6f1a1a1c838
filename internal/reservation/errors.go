package reservation

import "errors"

var (
	ErrCouponNotFound  = errors.New("coupon not found or not active for this user")
	ErrCouponUsed      = errors.New("coupon has already been used")
	ErrCouponExpired   = errors.New("coupon is not valid at this time")
	ErrCouponMinOrder  = errors.New("order does not meet the coupon minimum amount")
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	ErrCouponHeld      = errors.New("coupon is being applied by another checkout")
	ErrCouponStale     = errors.New("order subtotal changed since the coupon was applied")

	ErrGiftCardNotFound = errors.New("gift card not found")
	ErrGiftCardNotOwned = errors.New("gift card belongs to another user")
	ErrGiftCardExpired  = errors.New("gift card is expired or not yet valid")
	ErrGiftCardEmpty    = errors.New("gift card has no remaining balance")
	ErrGiftCardStale    = errors.New("gift card balance is insufficient for the held amount")

	ErrStockUnavailable = errors.New("requested quantity is not available")

	ErrReservationNotFound = errors.New("reservation not found")
	ErrNotOpen             = errors.New("reservation is no longer open")
	ErrKindMismatch        = errors.New("reservation kind does not match the operation")
)
