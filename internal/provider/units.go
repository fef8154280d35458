package provider

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MinorDigits: 1 moeda = 10^8 unidades mínimas
const MinorDigits = 8

var (
	ErrTooPrecise   = errors.New("amount has more than 8 decimal places")
	ErrOutOfRange   = errors.New("amount out of range")
	minorMultiplier = decimal.New(1, MinorDigits)
)

// ToMinor converte o decimal do ledger para o inteiro do provedor, sem arredondar
func ToMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, ErrOutOfRange
	}
	minor := amount.Mul(minorMultiplier)
	if !minor.IsInteger() {
		return 0, ErrTooPrecise
	}
	if minor.Cmp(decimal.NewFromInt(1<<62)) > 0 {
		return 0, ErrOutOfRange
	}
	return minor.IntPart(), nil
}

func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorDigits)
}
