// Package rounding provides precision helpers for order quantities and prices.
package rounding

import (
	"math"

	"github.com/shopspring/decimal"
)

var decOne = decimal.NewFromInt(1)

func fromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func toFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// FloorTo truncates val down to the given number of decimal places.
// Quantities are always floored so a rounded order never exceeds the
// risk-derived size.
func FloorTo(val float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	return toFloat(fromFloat(val).RoundFloor(int32(places)))
}

// RoundTo rounds val half-up to the given number of decimal places.
func RoundTo(val float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	return toFloat(fromFloat(val).Round(int32(places)))
}

// Offset shifts price by pct in the given direction and rounds to places.
// Used for aggressive limit prices and stop-limit buffers.
func Offset(price, pct float64, up bool, places int) float64 {
	base := fromFloat(price)
	pctDec := fromFloat(pct)
	var factor decimal.Decimal
	if up {
		factor = decOne.Add(pctDec)
	} else {
		factor = decOne.Sub(pctDec)
	}
	return RoundTo(toFloat(base.Mul(factor)), places)
}
