// Package money converts between canonical decimal amounts and provider wire integers.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Profile describes how a provider encodes an amount as an integer on the wire.
type Profile string

const (
	// ProfileMinorUnits encodes amounts in the currency's smallest unit, except for the
	// provider's zero-decimal set where one wire unit is one full unit (card processor).
	ProfileMinorUnits Profile = "minor_units"
	// ProfileWholeUnits encodes every amount as whole major units (bank-redirect processor).
	ProfileWholeUnits Profile = "whole_units"
)

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

var threeDecimal = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

// Currencies that local processors settle only in whole units even though ISO 4217 lists minor units.
var wholeUnitSettlement = map[string]bool{
	"IDR": true,
}

var maxWire = decimal.NewFromInt(math.MaxInt64)

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ValidCurrency reports whether currency looks like an ISO 4217 alpha code.
func ValidCurrency(currency string) bool {
	c := NormalizeCurrency(currency)
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// IsZeroDecimal reports whether one card-processor wire unit equals one full unit of currency.
func IsZeroDecimal(currency string) bool {
	return zeroDecimal[NormalizeCurrency(currency)]
}

// Exponent returns the number of implicit decimal places the wire integer carries.
func Exponent(p Profile, currency string) int32 {
	if p == ProfileWholeUnits {
		return 0
	}
	c := NormalizeCurrency(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	default:
		return 2
	}
}

// Precision is the number of decimal places canonical amounts in currency are kept at.
// Every amount rounded to Precision encodes losslessly under every profile that accepts the currency.
func Precision(currency string) int32 {
	c := NormalizeCurrency(currency)
	switch {
	case zeroDecimal[c], wholeUnitSettlement[c]:
		return 0
	case threeDecimal[c]:
		return 3
	default:
		return 2
	}
}

// Round rounds amount half away from zero to the currency's canonical precision.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Precision(currency))
}

// ToWire converts a canonical amount into the provider's wire integer. Amounts carrying more
// precision than the wire format allows are rejected instead of silently rounded.
func ToWire(amount decimal.Decimal, currency string, p Profile) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	exp := Exponent(p, currency)
	if !amount.Round(exp).Equal(amount) {
		return 0, fmt.Errorf("amount %s %s has more than %d decimal places", amount, NormalizeCurrency(currency), exp)
	}
	wire := amount.Shift(exp)
	if wire.GreaterThan(maxWire) {
		return 0, fmt.Errorf("amount %s %s overflows wire format", amount, NormalizeCurrency(currency))
	}
	return wire.IntPart(), nil
}

// FromWire converts a provider wire integer back into the canonical amount.
func FromWire(wire int64, currency string, p Profile) decimal.Decimal {
	return decimal.New(wire, -Exponent(p, currency))
}
