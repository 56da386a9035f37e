package margin

import "github.com/shopspring/decimal"

// round2 rounds a currency amount to two decimals, half away from zero.
// The group solve rounds each line's cost before summing, so the rounding
// mode has to match everywhere prices or costs are written.
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// lineCost returns the line's cost basis: purchase cost times quantity when
// present, falling back to the product standard cost, else zero. A zero cost
// field counts as absent.
func lineCost(l Line) float64 {
	if l.PurchaseCost != nil && *l.PurchaseCost != 0 {
		return *l.PurchaseCost * l.Quantity
	}
	if l.StandardCost != nil && *l.StandardCost != 0 {
		return *l.StandardCost * l.Quantity
	}
	return 0
}

// unitCost returns the per-unit cost basis used by the single-product solve.
func unitCost(l Line) float64 {
	if l.PurchaseCost != nil && *l.PurchaseCost != 0 {
		return round2(*l.PurchaseCost)
	}
	if l.StandardCost != nil && *l.StandardCost != 0 {
		return round2(*l.StandardCost)
	}
	return 0
}

// percent computes part/whole*100, degrading to zero when the denominator
// is not positive. No extraction or solve may ever produce NaN or Inf.
func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}
