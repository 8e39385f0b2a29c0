package bybit

import "github.com/shopspring/decimal"

// RoundQtyToStep floors a base quantity to the instrument's step size so the
// exchange never rejects on precision.
func RoundQtyToStep(qty float64, limits Limits) float64 {
	if qty <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(qty)
	if limits.QtyStep.IsPositive() {
		d = d.Div(limits.QtyStep).Floor().Mul(limits.QtyStep)
	}
	if limits.MinQty.IsPositive() && d.LessThan(limits.MinQty) {
		return 0
	}
	out, _ := d.Float64()
	return out
}

// MinViableNotional is the smallest quote amount that satisfies both legs'
// minimum-quantity and minimum-notional limits at the given price.
func MinViableNotional(spot, perp Limits, price float64) float64 {
	if price <= 0 {
		return 0
	}
	px := decimal.NewFromFloat(price)
	min := decimal.Zero
	for _, limits := range []Limits{spot, perp} {
		if limits.MinQty.IsPositive() {
			if notional := limits.MinQty.Mul(px); notional.GreaterThan(min) {
				min = notional
			}
		}
		if limits.MinNotional.GreaterThan(min) {
			min = limits.MinNotional
		}
	}
	out, _ := min.Float64()
	return out
}

// MeetsLimits reports whether a base quantity is acceptable for the instrument.
func MeetsLimits(qty, price float64, limits Limits) bool {
	if qty <= 0 || price <= 0 {
		return false
	}
	d := decimal.NewFromFloat(qty)
	if limits.MinQty.IsPositive() && d.LessThan(limits.MinQty) {
		return false
	}
	if limits.MinNotional.IsPositive() {
		if d.Mul(decimal.NewFromFloat(price)).LessThan(limits.MinNotional) {
			return false
		}
	}
	return true
}
