// Package currency provides amount conversion between currencies.
//
// The matching engine only depends on the Converter interface; the
// table-backed implementation here is fed from configuration so the system
// runs without an external rate feed.
package currency

import (
	"fmt"
	"math"
	"strings"
)

// Converter converts an amount in minor units between currencies.
type Converter interface {
	// Convert returns amount expressed in toCurrency. It must be exact for
	// fromCurrency == toCurrency and fail rather than guess for unknown
	// currencies.
	Convert(amount int64, fromCurrency, toCurrency string) (int64, error)
}

// TableConverter converts through a base currency using a fixed rate table.
// Rates express how many base-currency units one unit of the keyed currency
// is worth (the base currency itself maps to 1).
type TableConverter struct {
	base  string
	rates map[string]float64
}

// Compile-time check that TableConverter implements Converter
var _ Converter = (*TableConverter)(nil)

// NewTableConverter creates a converter over the given base currency and
// rate table. Currency codes are case-insensitive.
func NewTableConverter(base string, rates map[string]float64) *TableConverter {
	normalized := make(map[string]float64, len(rates)+1)
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	base = strings.ToUpper(base)
	normalized[base] = 1

	return &TableConverter{base: base, rates: normalized}
}

// Convert converts amount from one currency to another through the base.
func (c *TableConverter) Convert(amount int64, fromCurrency, toCurrency string) (int64, error) {
	from := strings.ToUpper(fromCurrency)
	to := strings.ToUpper(toCurrency)
	if from == to {
		return amount, nil
	}

	fromRate, ok := c.rates[from]
	if !ok || fromRate <= 0 {
		return 0, fmt.Errorf("no conversion rate for currency %s", fromCurrency)
	}
	toRate, ok := c.rates[to]
	if !ok || toRate <= 0 {
		return 0, fmt.Errorf("no conversion rate for currency %s", toCurrency)
	}

	return int64(math.Round(float64(amount) * fromRate / toRate)), nil
}
