// Package money converts between decimal major-unit amounts and the
// integer minor units stored in the ledger and sent to the gateway.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

// minorExp is the number of minor-unit digits. Every currency on the
// allow-list (usd, eur, gbp) uses two.
const minorExp = 2

// ToMinor converts a major-unit amount such as 12.50 into 1250.
// Fractions of a minor unit are rejected rather than rounded.
func ToMinor(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(minorExp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-minor precision: %w", d.String(), apperr.ErrInvalidAmount)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("amount %s out of range: %w", d.String(), apperr.ErrInvalidAmount)
	}
	return scaled.IntPart(), nil
}

// ParseMinor parses a major-unit decimal string into minor units.
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, apperr.ErrInvalidAmount)
	}
	return ToMinor(d)
}

// FromMinor returns the major-unit decimal for a minor-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorExp)
}

// Format renders a minor-unit amount as "12.50 USD".
func Format(minor int64, currency string) string {
	return FromMinor(minor).StringFixed(minorExp) + " " + strings.ToUpper(currency)
}

// NormalizeCurrency lower-cases and trims an ISO currency code.
func NormalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
