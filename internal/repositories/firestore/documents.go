package firestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harvest-market/api/internal/money"
)

// moneyDocument persists Money as integer minor units alongside the currency code.
type moneyDocument struct {
	AmountMinor int64  `firestore:"amountMinor"`
	Currency    string `firestore:"currency"`
}

func encodeMoney(m money.Money) (moneyDocument, error) {
	minor, err := m.MinorUnits()
	if err != nil {
		return moneyDocument{}, err
	}
	return moneyDocument{AmountMinor: minor, Currency: m.Currency()}, nil
}

func decodeMoney(doc moneyDocument, fallbackCurrency string) (money.Money, error) {
	code := strings.TrimSpace(doc.Currency)
	if code == "" {
		code = fallbackCurrency
	}
	if code == "" {
		if doc.AmountMinor != 0 {
			return money.Money{}, fmt.Errorf("money document missing currency for amount %d", doc.AmountMinor)
		}
		return money.Money{}, nil
	}
	return money.FromMinor(doc.AmountMinor, code)
}

// moneyEncoder accumulates the first encoding error so document builders stay linear.
type moneyEncoder struct{ err error }

func (e *moneyEncoder) encode(m money.Money) moneyDocument {
	if e.err != nil {
		return moneyDocument{}
	}
	doc, err := encodeMoney(m)
	if err != nil {
		e.err = err
	}
	return doc
}

type moneyDecoder struct {
	currency string
	err      error
}

func (d *moneyDecoder) decode(doc moneyDocument) money.Money {
	if d.err != nil {
		return money.Money{}
	}
	m, err := decodeMoney(doc, d.currency)
	if err != nil {
		d.err = err
	}
	return m
}

func decodePercent(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
