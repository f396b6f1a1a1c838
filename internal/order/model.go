package order

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrNumberExhausted means no free order number was found in the allowed attempts.
	ErrNumberExhausted = errors.New("could not allocate a unique order number")
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusPaid       OrderStatus = "PAID"
	StatusShipped    OrderStatus = "SHIPPED"
	StatusDelivered  OrderStatus = "DELIVERED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

func (os OrderStatus) String() string {
	return string(os)
}

type PaymentStatus string

const PaymentAuthorized PaymentStatus = "AUTHORIZED"

type OrderItem struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	OrderID   uuid.UUID       `json:"order_id" db:"order_id"`
	ProductID uuid.UUID       `json:"product_id" db:"product_id"`
	VariantID uuid.NullUUID   `json:"variant_id" db:"variant_id"`
	Name      string          `json:"name" db:"name"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total" db:"line_total"`
	Position  int             `json:"position" db:"position"`
}

type StatusEvent struct {
	Status    OrderStatus `json:"status" db:"status"`
	Note      string      `json:"note,omitempty" db:"note"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

type Payment struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	Method            string          `json:"method" db:"method"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	ProviderReference string          `json:"provider_reference" db:"provider_reference"`
	Status            PaymentStatus   `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

type Order struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	Number            string          `json:"number" db:"number"`
	UserID            uuid.UUID       `json:"user_id" db:"user_id"`
	CartID            uuid.UUID       `json:"cart_id" db:"cart_id"`
	Status            OrderStatus     `json:"status" db:"status"`
	Subtotal          decimal.Decimal `json:"subtotal" db:"subtotal"`
	Shipping          decimal.Decimal `json:"shipping" db:"shipping"`
	Tax               decimal.Decimal `json:"tax" db:"tax"`
	Discount          decimal.Decimal `json:"discount" db:"discount"`
	GiftCardOffset    decimal.Decimal `json:"gift_card_offset" db:"gift_card_offset"`
	Total             decimal.Decimal `json:"total" db:"total"`
	ShippingAddressID uuid.UUID       `json:"shipping_address_id" db:"shipping_address_id"`
	BillingAddressID  uuid.UUID       `json:"billing_address_id" db:"billing_address_id"`
	ShippingMethod    string          `json:"shipping_method" db:"shipping_method"`
	PaymentMethod     string          `json:"payment_method" db:"payment_method"`
	CouponCode        string          `json:"coupon_code,omitempty" db:"coupon_code"`
	IdempotencyKey    string          `json:"-" db:"idempotency_key"`
	Items             []OrderItem     `json:"items" db:"-"`
	Timeline          []StatusEvent   `json:"timeline" db:"-"`
	Payment           *Payment        `json:"payment,omitempty" db:"-"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// CreatedEvent is published on order.created.
type CreatedEvent struct {
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      uuid.UUID       `json:"user_id"`
	Total       decimal.Decimal `json:"total"`
	ItemCount   int             `json:"item_count"`
	CreatedAt   time.Time       `json:"created_at"`
}
