package reservation

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindStock    Kind = "STOCK"
	KindCoupon   Kind = "COUPON"
	KindGiftCard Kind = "GIFT_CARD"
)

func (k Kind) String() string {
	return string(k)
}

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFinalized Status = "FINALIZED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string {
	return string(s)
}

// Payload is the kind-specific part of a Reservation. It is implemented only
// by *CouponHold, *GiftCardHold and *StockHold.
type Payload interface {
	Kind() Kind
	subject() string
	amount() decimal.Decimal
}

type CouponHold struct {
	GrantID  uuid.UUID
	CouponID uuid.UUID
	Code     string
	Discount decimal.Decimal
	// Subtotal is the pre-discount subtotal the discount was computed on.
	Subtotal decimal.Decimal
}

func (*CouponHold) Kind() Kind { return KindCoupon }
func (h *CouponHold) subject() string { return h.GrantID.String() }
func (h *CouponHold) amount() decimal.Decimal { return h.Discount }

type GiftCardHold struct {
	GiftCardID uuid.UUID
	Code       string
	Held       decimal.Decimal
	// Applied is set on finalize to the amount actually debited.
	Applied decimal.Decimal
}

func (*GiftCardHold) Kind() Kind { return KindGiftCard }
func (h *GiftCardHold) subject() string { return h.GiftCardID.String() }
func (h *GiftCardHold) amount() decimal.Decimal { return h.Held }

type StockHold struct {
	ReservationID string
	VariantID     uuid.UUID
	Quantity      int
}

func (*StockHold) Kind() Kind { return KindStock }
func (h *StockHold) subject() string { return h.ReservationID }
func (h *StockHold) amount() decimal.Decimal { return decimal.NewFromInt(int64(h.Quantity)) }

// Reservation is a provisional hold on a resource. It ends either
// FINALIZED (linked to an order) or CANCELLED, never both.
type Reservation struct {
	ID             uuid.UUID
	Status         Status
	IdempotencyKey string
	UserID         uuid.UUID
	OrderID        uuid.NullUUID
	CreatedAt      time.Time
	Payload        Payload
}

func (r *Reservation) Kind() Kind {
	return r.Payload.Kind()
}

func (r *Reservation) Subject() string {
	return r.Payload.subject()
}

func (r *Reservation) Amount() decimal.Decimal {
	return r.Payload.amount()
}

func (r *Reservation) Coupon() *CouponHold {
	h, _ := r.Payload.(*CouponHold)
	return h
}

func (r *Reservation) GiftCard() *GiftCardHold {
	h, _ := r.Payload.(*GiftCardHold)
	return h
}

func (r *Reservation) Stock() *StockHold {
	h, _ := r.Payload.(*StockHold)
	return h
}

func (r *Reservation) IsOpen() bool {
	return r.Status == StatusOpen
}
