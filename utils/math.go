// utils/math.go
package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundToPrecision rounds a float64 to a specified number of decimal places.
// Rounding goes through decimal so values like 2.675 do not drift to 2.67.
func RoundToPrecision(value float64, precision int) float64 {
	rounded, _ := decimal.NewFromFloat(value).Round(int32(precision)).Float64()
	return rounded
}

// Clamp bounds value to [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(value, hi))
}

// RoundLots rounds a raw lot size to the instrument's lot precision and clamps it
// into [minLot, maxLot].
func RoundLots(raw float64, precision int, minLot, maxLot float64) float64 {
	return Clamp(RoundToPrecision(raw, precision), minLot, maxLot)
}
