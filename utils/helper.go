package utils

import (
	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// RoundMoney rounds a stored/display amount to 2 decimal places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// HashAmount renders an amount at fixed 6 decimal places for hash payloads.
// Stored values travel through different representations (driver round trips,
// JSON) and 6dp fixed rendering keeps the hashed bytes identical everywhere.
func HashAmount(d decimal.Decimal) string {
	return d.Round(6).StringFixed(6)
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var def T
	if len(defaults) > 0 {
		def = defaults[0]
	}
	return def
}
