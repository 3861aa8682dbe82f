package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWire_ZeroDecimalDoesNotMultiply(t *testing.T) {
	wire, err := ToWire(decimal.NewFromInt(6990), "CLP", ProfileMinorUnits)
	require.NoError(t, err)
	assert.Equal(t, int64(6990), wire)
}

func TestToWire_TwoDecimal(t *testing.T) {
	wire, err := ToWire(decimal.RequireFromString("12.34"), "usd", ProfileMinorUnits)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), wire)
}

func TestToWire_WholeUnitsProfile(t *testing.T) {
	wire, err := ToWire(decimal.NewFromInt(150000), "IDR", ProfileWholeUnits)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), wire)

	_, err = ToWire(decimal.RequireFromString("150000.50"), "IDR", ProfileWholeUnits)
	assert.Error(t, err)
}

func TestToWire_RejectsExcessPrecision(t *testing.T) {
	_, err := ToWire(decimal.RequireFromString("6990.5"), "CLP", ProfileMinorUnits)
	assert.Error(t, err)

	_, err = ToWire(decimal.RequireFromString("1.005"), "EUR", ProfileMinorUnits)
	assert.Error(t, err)
}

func TestToWire_RejectsNegative(t *testing.T) {
	_, err := ToWire(decimal.NewFromInt(-1), "USD", ProfileMinorUnits)
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		profile  Profile
	}{
		{"6990", "CLP", ProfileMinorUnits},
		{"0", "CLP", ProfileMinorUnits},
		{"1000000", "JPY", ProfileMinorUnits},
		{"12.34", "USD", ProfileMinorUnits},
		{"0.01", "EUR", ProfileMinorUnits},
		{"99999.99", "MXN", ProfileMinorUnits},
		{"1.234", "KWD", ProfileMinorUnits},
		{"150000", "IDR", ProfileWholeUnits},
		{"6990", "CLP", ProfileWholeUnits},
	}
	for _, tc := range cases {
		t.Run(tc.currency+"_"+tc.amount, func(t *testing.T) {
			amount := decimal.RequireFromString(tc.amount)
			wire, err := ToWire(amount, tc.currency, tc.profile)
			require.NoError(t, err)
			back := FromWire(wire, tc.currency, tc.profile)
			assert.True(t, back.Equal(amount), "got %s want %s", back, amount)
		})
	}
}

func TestFromWire(t *testing.T) {
	assert.Equal(t, "6990", FromWire(6990, "CLP", ProfileMinorUnits).String())
	assert.Equal(t, "69.9", FromWire(6990, "USD", ProfileMinorUnits).String())
}

func TestRound(t *testing.T) {
	assert.Equal(t, "1328", Round(decimal.RequireFromString("1328.1"), "CLP").String())
	assert.Equal(t, "2.35", Round(decimal.RequireFromString("2.345"), "USD").String())
	assert.Equal(t, "16500", Round(decimal.RequireFromString("16500.4"), "IDR").String())

	_, err := ToWire(Round(decimal.RequireFromString("16500.4"), "IDR"), "IDR", ProfileWholeUnits)
	assert.NoError(t, err)
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ValidCurrency("clp"))
	assert.True(t, ValidCurrency(" USD "))
	assert.False(t, ValidCurrency("US"))
	assert.False(t, ValidCurrency("U5D"))
	assert.True(t, IsZeroDecimal("clp"))
	assert.False(t, IsZeroDecimal("USD"))
}
