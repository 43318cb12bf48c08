package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndMinorUnits(t *testing.T) {
	m, err := Parse("225", "ngn")
	require.NoError(t, err)
	assert.Equal(t, "NGN", m.Currency())
	assert.Equal(t, "225.00", m.String())

	minor, err := m.MinorUnits()
	require.NoError(t, err)
	assert.Equal(t, int64(22500), minor)
}

func TestMinorUnitsUsesCurrencyScale(t *testing.T) {
	yen := MustParse("1200", "JPY")
	minor, err := yen.MinorUnits()
	require.NoError(t, err)
	assert.Equal(t, int64(1200), minor)
	assert.Equal(t, "1200", yen.String())

	_, err = MustParse("10.5", "JPY").MinorUnits()
	assert.ErrorIs(t, err, ErrSubMinorPrecision)
}

func TestFromMinor(t *testing.T) {
	m, err := FromMinor(22500, "NGN")
	require.NoError(t, err)
	assert.True(t, m.Equal(MustParse("225.00", "NGN")))
}

func TestInvalidCurrency(t *testing.T) {
	_, err := Parse("1", "naira")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = Parse("abc", "NGN")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestArithmetic(t *testing.T) {
	price := MustParse("100", "NGN")
	line := price.MulInt(2)
	assert.Equal(t, "200.00", line.String())

	sum, err := line.Add(MustParse("50", "NGN"))
	require.NoError(t, err)
	assert.Equal(t, "250.00", sum.String())

	discount := sum.Percent(decimal.NewFromInt(10))
	assert.Equal(t, "25.00", discount.String())

	total, err := sum.Sub(discount)
	require.NoError(t, err)
	assert.Equal(t, "225.00", total.String())

	assert.Equal(t, discount, discount.Min(sum))
	assert.Equal(t, 1, sum.Cmp(total))
}

func TestPercentRoundsToScale(t *testing.T) {
	m := MustParse("0.05", "USD")
	assert.Equal(t, "0.01", m.Percent(decimal.NewFromInt(15)).String())
}

func TestAddRejectsMixedCurrencies(t *testing.T) {
	_, err := MustParse("1", "NGN").Add(MustParse("1", "USD"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	sum, err := Money{}.Add(MustParse("3", "USD"))
	require.NoError(t, err)
	assert.Equal(t, "USD", sum.Currency())
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustParse("12.5", "NGN"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50","currency":"NGN"}`, string(data))

	var decoded Money
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(MustParse("12.50", "NGN")))
}
