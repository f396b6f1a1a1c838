package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ShippingRate is the price of one shipping method. Orders whose subtotal
// reaches FreeOver ship for free.
type ShippingRate struct {
	Price    decimal.Decimal  `yaml:"price"`
	FreeOver *decimal.Decimal `yaml:"free_over,omitempty"`
}

type PricingConfig struct {
	Currency              string                  `yaml:"currency"`
	TaxRate               decimal.Decimal         `yaml:"tax_rate"`
	DefaultShippingMethod string                  `yaml:"default_shipping_method"`
	ShippingMethods       map[string]ShippingRate `yaml:"shipping_methods"`
}

func LoadPricing(path string) (*PricingConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open pricing file %s: %w", path, err)
	}
	defer file.Close()

	var pc PricingConfig
	if err := yaml.NewDecoder(file).Decode(&pc); err != nil {
		return nil, fmt.Errorf("config: invalid pricing file %s: %w", path, err)
	}

	if err := pc.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid pricing file %s: %w", path, err)
	}

	return &pc, nil
}

func (pc *PricingConfig) validate() error {
	if pc.TaxRate.IsNegative() || pc.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax_rate must be within [0, 1], got %s", pc.TaxRate)
	}
	if len(pc.ShippingMethods) == 0 {
		return errors.New("at least one shipping method is required")
	}
	if _, ok := pc.ShippingMethods[pc.DefaultShippingMethod]; !ok {
		return fmt.Errorf("default_shipping_method %q is not configured", pc.DefaultShippingMethod)
	}
	for name, rate := range pc.ShippingMethods {
		if rate.Price.IsNegative() {
			return fmt.Errorf("shipping method %q has a negative price", name)
		}
	}
	return nil
}
