package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SettlementTolerance is the largest difference, in invoice currency, that is
// accepted between an attempted amount and what a provider reports, and the
// largest amount an invoice may be overpaid by through provider rounding.
var SettlementTolerance = decimal.New(1, -2)

// minorUnits lists currencies whose minor unit is not two decimal places.
var minorUnits = map[string]int32{
	"KWD": 3,
	"BHD": 3,
	"OMR": 3,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
}

// CurrencyPlaces returns the number of decimal places used for a currency.
func CurrencyPlaces(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return places
	}
	return 2
}

// Money is an exact decimal amount in a currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney builds a Money rounded to the currency's places.
func NewMoney(amount decimal.Decimal, currency string) Money {
	currency = strings.ToUpper(currency)
	return Money{Amount: amount, Currency: currency}.Round()
}

// ParseMoney parses a decimal string such as "115.00".
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if currency == "" {
		return Money{}, fmt.Errorf("currency is required")
	}
	return NewMoney(d, currency), nil
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(amount, currency string) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: strings.ToUpper(currency)}
}

// Round applies round-half-up at the currency's places. Every adapter goes
// through this so provider amounts compare without off-by-one-cent drift.
func (m Money) Round() Money {
	return Money{Amount: roundHalfUp(m.Amount, CurrencyPlaces(m.Currency)), Currency: m.Currency}
}

func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts we carry. Negative values are mirrored explicitly.
	if d.IsNegative() {
		return d.Neg().Round(places).Neg()
	}
	return d.Round(places)
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Mul multiplies by an integer quantity.
func (m Money) Mul(quantity int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(quantity)), Currency: m.Currency}
}

// Percent returns rate percent of m, rounded.
func (m Money) Percent(rate decimal.Decimal) Money {
	return Money{
		Amount:   m.Amount.Mul(rate).Div(decimal.NewFromInt(100)),
		Currency: m.Currency,
	}.Round()
}

// Cmp compares amounts; both values must share a currency.
func (m Money) Cmp(other Money) int {
	return m.Amount.Cmp(other.Amount)
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// Max0 clamps negative amounts to zero.
func (m Money) Max0() Money {
	if m.Amount.IsNegative() {
		return Zero(m.Currency)
	}
	return m
}

// WithinTolerance reports whether other is the same currency and differs from
// m by at most tol.
func (m Money) WithinTolerance(other Money, tol decimal.Decimal) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.Amount.Sub(other.Amount).Abs().LessThanOrEqual(tol)
}

// Equal compares currency and amount exactly.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// StringFixed renders the amount with the currency's places.
func (m Money) StringFixed() string {
	return m.Amount.StringFixed(CurrencyPlaces(m.Currency))
}

// String renders "115.00 SAR".
func (m Money) String() string {
	return m.StringFixed() + " " + m.Currency
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes the amount as a fixed-place string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.StringFixed(), Currency: m.Currency})
}

// UnmarshalJSON accepts the MarshalJSON shape.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// LineItem is one billed service on an invoice.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   Money  `json:"unit_price"`
}

// Total is quantity times unit price.
func (l LineItem) Total() Money {
	return l.UnitPrice.Mul(l.Quantity).Round()
}
