package margin

import "errors"

// Solver failure modes. The service layer formats these into the structured
// {success:false, message} results the boundary returns.
var (
	// ErrNoProducts means the target set is empty: no product lines with a
	// positive subtotal matched the selector.
	ErrNoProducts = errors.New("no products found")
	// ErrZeroCost means the cost basis is zero, so no finite price reaches
	// any margin target.
	ErrZeroCost = errors.New("total cost is zero")
	// ErrMarginTooHigh means the requested target is 100% or greater, where
	// the margin formula has no finite solution.
	ErrMarginTooHigh = errors.New("margin cannot be 100% or greater")
)

// SelectSectionLines walks the sequence and collects the product lines of the
// named section, including those nested under its subsections. Inclusion
// opens on a section line with a matching name and closes on the next section
// line with a different name; subsection lines never change inclusion. The
// scan re-opens on every occurrence of the name, so duplicate section names
// collect across non-contiguous ranges.
func SelectSectionLines(lines []Line, sectionName string) []Line {
	var selected []Line
	inTarget := false
	for _, line := range lines {
		switch line.Kind {
		case KindSection:
			inTarget = line.Name == sectionName
		case KindSubsection:
			// stays within the enclosing section
		case KindProduct:
			if inTarget && line.IsProduct() {
				selected = append(selected, line)
			}
		}
	}
	return selected
}

// SelectSubsectionLines collects the product lines of the named subsection.
// Inclusion opens on a matching subsection line and closes on the next
// section or subsection line.
func SelectSubsectionLines(lines []Line, subsectionName string) []Line {
	var selected []Line
	inTarget := false
	for _, line := range lines {
		switch line.Kind {
		case KindSection:
			inTarget = false
		case KindSubsection:
			inTarget = line.Name == subsectionName
		case KindProduct:
			if inTarget && line.IsProduct() {
				selected = append(selected, line)
			}
		}
	}
	return selected
}

// GroupSolution is the planned uniform price adjustment for a set of lines.
type GroupSolution struct {
	TotalCost        float64
	TotalPrice       float64
	Factor           float64
	OldMarginPercent float64
	Changes          []UpdatedLine
}

// SolveGroup inverts the margin formula for a group of lines: it computes
// the total price needed for the target margin over the group's cost basis
// and distributes it equitably, every line receiving the same multiplier.
// Per-line costs are rounded to two decimals before summing; the price total
// is summed unrounded.
func SolveGroup(target []Line, targetMarginPercent float64) (GroupSolution, error) {
	if len(target) == 0 {
		return GroupSolution{}, ErrNoProducts
	}

	var totalCost, totalPrice float64
	for _, line := range target {
		totalCost += round2(lineCost(line))
		totalPrice += line.Subtotal
	}
	if totalCost == 0 {
		return GroupSolution{}, ErrZeroCost
	}
	if targetMarginPercent >= 100 {
		return GroupSolution{}, ErrMarginTooHigh
	}

	targetTotalPrice := totalCost / (1 - targetMarginPercent/100)
	factor := 1.0
	if totalPrice > 0 {
		factor = targetTotalPrice / totalPrice
	}

	changes := make([]UpdatedLine, 0, len(target))
	for _, line := range target {
		changes = append(changes, UpdatedLine{
			LineID:   line.ID,
			Name:     line.Name,
			OldPrice: line.UnitPrice,
			NewPrice: round2(line.UnitPrice * factor),
		})
	}

	return GroupSolution{
		TotalCost:        totalCost,
		TotalPrice:       totalPrice,
		Factor:           factor,
		OldMarginPercent: percent(totalPrice-totalCost, totalPrice),
		Changes:          changes,
	}, nil
}

// ProductSolution is the planned price change for a single line.
type ProductSolution struct {
	CostPerUnit      float64
	OldUnitPrice     float64
	NewUnitPrice     float64
	OldMarginPercent float64
	NewMarginPercent float64
}

// SolveProduct inverts the margin formula for one line. The solve works per
// unit: new price is cost per unit over (1 - target/100), so the line lands
// exactly on the target regardless of quantity. Margin percentages are
// derived from unit price times quantity for reporting only.
func SolveProduct(line Line, targetMarginPercent float64) (ProductSolution, error) {
	cost := unitCost(line)
	if cost == 0 {
		return ProductSolution{}, ErrZeroCost
	}
	if targetMarginPercent >= 100 {
		return ProductSolution{}, ErrMarginTooHigh
	}

	newUnit := round2(cost / (1 - targetMarginPercent/100))
	oldRevenue := line.UnitPrice * line.Quantity
	newRevenue := newUnit * line.Quantity
	totalCost := cost * line.Quantity

	return ProductSolution{
		CostPerUnit:      cost,
		OldUnitPrice:     line.UnitPrice,
		NewUnitPrice:     newUnit,
		OldMarginPercent: percent(oldRevenue-totalCost, oldRevenue),
		NewMarginPercent: percent(newRevenue-totalCost, newRevenue),
	}, nil
}
