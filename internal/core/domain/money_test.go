package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     string
	}{
		{"10.005", "SAR", "10.01"},
		{"10.004", "SAR", "10.00"},
		{"0.125", "USD", "0.13"},
		{"1.0005", "KWD", "1.001"},
		{"99.5", "JPY", "100"},
		{"-2.345", "SAR", "-2.35"},
	}
	for _, tt := range tests {
		t.Run(tt.in+" "+tt.currency, func(t *testing.T) {
			m := MustParseMoney(tt.in, tt.currency)
			assert.Equal(t, tt.want, m.StringFixed())
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	sar := MustParseMoney("1.00", "SAR")
	usd := MustParseMoney("1.00", "USD")

	_, err := sar.Add(usd)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = sar.Sub(usd)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	assert.False(t, sar.WithinTolerance(usd, SettlementTolerance))
}

func TestMoneyTolerance(t *testing.T) {
	attempted := MustParseMoney("115.00", "SAR")

	assert.True(t, attempted.WithinTolerance(MustParseMoney("115.01", "SAR"), SettlementTolerance))
	assert.True(t, attempted.WithinTolerance(MustParseMoney("114.99", "SAR"), SettlementTolerance))
	assert.False(t, attempted.WithinTolerance(MustParseMoney("115.02", "SAR"), SettlementTolerance))
}

func TestMoneyPercent(t *testing.T) {
	vat := MustParseMoney("99.99", "SAR").Percent(decimal.NewFromInt(15))
	assert.Equal(t, "15.00", vat.StringFixed())
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(MustParseMoney("115", "sar"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"115.00","currency":"SAR"}`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"7.5","currency":"KWD"}`), &m))
	assert.Equal(t, "7.500 KWD", m.String())

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"abc","currency":"SAR"}`), &m))
}

func TestParseMoneyRequiresCurrency(t *testing.T) {
	_, err := ParseMoney("1.00", "")
	assert.Error(t, err)
}
