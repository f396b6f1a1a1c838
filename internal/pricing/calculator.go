package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrNegativeTotal = errors.New("pricing: negative total")

// Input carries every component of a charge. All amounts are in the same
// currency; TaxRate is a fraction (0.18 for 18%).
type Input struct {
	Subtotal       decimal.Decimal
	Shipping       decimal.Decimal
	Discount       decimal.Decimal
	TaxRate        decimal.Decimal
	GiftCardOffset decimal.Decimal
}

type Breakdown struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	Shipping       decimal.Decimal `json:"shipping"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	GiftCardOffset decimal.Decimal `json:"gift_card_offset"`
	Total          decimal.Decimal `json:"total"`
}

// Calculate computes
//
//	total = subtotal + shipping - discount + tax - giftCardOffset
//	tax   = (subtotal - discount) * taxRate
//
// with tax rounded to cents.
func Calculate(in Input) (Breakdown, error) {
	tax := in.Subtotal.Sub(in.Discount).Mul(in.TaxRate).Round(2)

	total := in.Subtotal.
		Add(in.Shipping).
		Sub(in.Discount).
		Add(tax).
		Sub(in.GiftCardOffset)

	b := Breakdown{
		Subtotal:       in.Subtotal,
		Shipping:       in.Shipping,
		Discount:       in.Discount,
		Tax:            tax,
		GiftCardOffset: in.GiftCardOffset,
		Total:          total,
	}

	if total.IsNegative() {
		return b, fmt.Errorf("%w: %s", ErrNegativeTotal, total.StringFixed(2))
	}

	return b, nil
}

// GiftCardOffset is the part of a held gift-card balance that can be
// consumed against the amount due.
func GiftCardOffset(held, due decimal.Decimal) decimal.Decimal {
	if !due.IsPositive() || !held.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(held, due)
}

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}
