// Package util provides price arithmetic helpers.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds a price to the nearest multiple of the instrument
// tick size: round(p/tick)*tick. Decimal arithmetic avoids the float
// drift that produced venue rejections on sub-cent ticks.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Round(0)
	out, _ := steps.Mul(t).Float64()
	return out
}

// FloorToLot floors a quantity to the instrument lot size.
func FloorToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	l := decimal.NewFromFloat(lot)
	steps := q.Div(l).Floor()
	out, _ := steps.Mul(l).Float64()
	return out
}
