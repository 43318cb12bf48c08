package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const defaultScale = 2

var (
	// ErrInvalidCurrency is returned when a currency code is not a known ISO-4217 code.
	ErrInvalidCurrency = errors.New("money: invalid currency")
	// ErrInvalidAmount is returned when an amount string cannot be parsed.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrCurrencyMismatch is returned when arithmetic mixes currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrSubMinorPrecision is returned when an amount cannot be expressed in whole minor units.
	ErrSubMinorPrecision = errors.New("money: amount has sub-minor precision")
)

// Money is a fixed-point amount in a single ISO-4217 currency. The zero value has no currency
// and a zero amount.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NormalizeCurrency validates the code and returns its canonical upper-case form.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// Scale reports the number of minor-unit digits for the currency (2 for NGN, 0 for JPY).
func Scale(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// New constructs Money from a decimal amount.
func New(amount decimal.Decimal, code string) (Money, error) {
	cur, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: amount, currency: cur}, nil
}

// Parse constructs Money from a decimal string such as "225.00".
func Parse(value, code string) (Money, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return New(amount, code)
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(value, code string) Money {
	m, err := Parse(value, code)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor constructs Money from an integer count of minor units (cents, kobo).
func FromMinor(minor int64, code string) (Money, error) {
	cur, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: decimal.New(minor, -int32(Scale(cur))), currency: cur}, nil
}

// Zero returns a zero amount in the currency. Unknown codes yield a currency-less zero.
func Zero(code string) Money {
	cur, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}
	}
	return Money{currency: cur}
}

// Amount exposes the underlying decimal.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the ISO-4217 code.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.amount.IsPositive() }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	cur, err := m.common(o)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: cur}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	cur, err := m.common(o)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(o.amount), currency: cur}, nil
}

// MulInt multiplies the amount by an integer quantity.
func (m Money) MulInt(n int64) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(n)), currency: m.currency}
}

// Percent returns pct percent of m rounded half away from zero to the currency scale.
func (m Money) Percent(pct decimal.Decimal) Money {
	value := m.amount.Mul(pct).Div(decimal.NewFromInt(100))
	return Money{amount: value.Round(int32(m.scale())), currency: m.currency}
}

// Round rounds the amount to the currency scale.
func (m Money) Round() Money {
	return Money{amount: m.amount.Round(int32(m.scale())), currency: m.currency}
}

// Cmp compares amounts. Callers are expected to compare values of the same currency.
func (m Money) Cmp(o Money) int { return m.amount.Cmp(o.amount) }

// Equal reports whether both currency and amount match.
func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if o.amount.LessThan(m.amount) {
		return o
	}
	return m
}

// MinorUnits converts the amount to the integer representation used by payment gateways.
func (m Money) MinorUnits() (int64, error) {
	shifted := m.amount.Shift(int32(m.scale()))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrSubMinorPrecision, m.amount.String(), m.currency)
	}
	return shifted.IntPart(), nil
}

// String renders the amount with the currency scale, e.g. "225.00".
func (m Money) String() string {
	return m.amount.StringFixed(int32(m.scale()))
}

type jsonMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes Money as {"amount":"225.00","currency":"NGN"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMoney{Amount: m.String(), Currency: m.currency})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw jsonMoney
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) scale() int {
	if m.currency == "" {
		return defaultScale
	}
	return Scale(m.currency)
}

func (m Money) common(o Money) (string, error) {
	switch {
	case m.currency == o.currency:
		return m.currency, nil
	case m.currency == "" && m.amount.IsZero():
		return o.currency, nil
	case o.currency == "" && o.amount.IsZero():
		return m.currency, nil
	default:
		return "", fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
}
