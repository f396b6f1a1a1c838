package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/config"
)

var ErrUnknownShippingMethod = errors.New("pricing: unknown shipping method")

// ShippingQuoter prices delivery for an order. Implementations are
// interchangeable; the service ships with a static rate table.
type ShippingQuoter interface {
	Quote(method string, subtotal decimal.Decimal) (decimal.Decimal, error)
	DefaultMethod() string
}

type RateTable struct {
	defaultMethod string
	rates         map[string]config.ShippingRate
}

func NewRateTable(cfg config.PricingConfig) *RateTable {
	rates := make(map[string]config.ShippingRate, len(cfg.ShippingMethods))
	for name, r := range cfg.ShippingMethods {
		rates[strings.ToLower(name)] = r
	}
	return &RateTable{defaultMethod: strings.ToLower(cfg.DefaultShippingMethod), rates: rates}
}

func (t *RateTable) DefaultMethod() string {
	return t.defaultMethod
}

func (t *RateTable) Quote(method string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if method == "" {
		method = t.defaultMethod
	}
	rate, ok := t.rates[strings.ToLower(method)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownShippingMethod, method)
	}
	if rate.FreeOver != nil && subtotal.GreaterThanOrEqual(*rate.FreeOver) {
		return decimal.Zero, nil
	}
	return rate.Price, nil
}
