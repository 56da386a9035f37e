package margin

// lineMargin derives a product line's margin: the store's explicit margin
// when it carries one, otherwise subtotal minus cost basis.
func lineMargin(l Line) float64 {
	if l.Margin != nil {
		return *l.Margin
	}
	return l.Subtotal - lineCost(l)
}

// Extract walks the ordered line sequence once and groups product margins
// under their section and subsection markers. It is a pure function of the
// input: it never fails and degrades every missing or ambiguous value to
// zero. Product lines without a positive subtotal are skipped entirely, and
// product lines appearing before the first section contribute to nothing,
// not even the grand total.
func Extract(lines []Line) Breakdown {
	sections := make([]Node, 0)

	var (
		current       *Node
		currentSub    *Node
		totalMargin   float64
		totalSubtotal float64
	)

	closeSubsection := func() {
		if currentSub == nil {
			return
		}
		// A subsection without an enclosing section has nowhere to go.
		if current != nil {
			currentSub.MarginPercent = percent(currentSub.Margin, currentSub.PriceSubtotal)
			current.Subsections = append(current.Subsections, *currentSub)
		}
		currentSub = nil
	}

	closeSection := func() {
		if current == nil {
			return
		}
		closeSubsection()
		current.MarginPercent = percent(current.Margin, current.PriceSubtotal)
		sections = append(sections, *current)
		current = nil
	}

	for _, line := range lines {
		switch line.Kind {
		case KindSection:
			closeSection()
			// A section boundary always discards an orphan subsection, even
			// when no section was open to receive it.
			currentSub = nil
			current = &Node{Name: line.Name}
		case KindSubsection:
			closeSubsection()
			currentSub = &Node{Name: line.Name}
		case KindProduct:
			if !line.IsProduct() || line.Subtotal <= 0 {
				continue
			}
			if current == nil {
				continue
			}
			m := lineMargin(line)
			entry := ProductEntry{
				LineID:        line.ID,
				Name:          line.Name,
				Margin:        m,
				MarginPercent: percent(m, line.Subtotal),
				PriceSubtotal: line.Subtotal,
			}
			if currentSub != nil {
				currentSub.Margin += m
				currentSub.PriceSubtotal += line.Subtotal
				currentSub.Products = append(currentSub.Products, entry)
			} else {
				current.Products = append(current.Products, entry)
			}
			current.Margin += m
			current.PriceSubtotal += line.Subtotal
			totalMargin += m
			totalSubtotal += line.Subtotal
		}
	}
	closeSection()

	return Breakdown{
		Sections:           sections,
		TotalMargin:        totalMargin,
		TotalMarginPercent: percent(totalMargin, totalSubtotal),
	}
}
