package margin

// AdjustSectionRequest targets a named section. Target margin is a percent;
// values at or above 100 are rejected by the solver.
type AdjustSectionRequest struct {
	SectionName         string  `json:"section_name" validate:"required"`
	TargetMarginPercent float64 `json:"target_margin_percent"`
}

// AdjustSubsectionRequest targets a named subsection.
type AdjustSubsectionRequest struct {
	SubsectionName      string  `json:"subsection_name" validate:"required"`
	TargetMarginPercent float64 `json:"target_margin_percent"`
}

// AdjustProductRequest targets a single product line.
type AdjustProductRequest struct {
	LineID              int64   `json:"line_id" validate:"required,min=1"`
	TargetMarginPercent float64 `json:"target_margin_percent"`
}

// RollbackRequest restores prices from one history record.
type RollbackRequest struct {
	HistoryID int64 `json:"history_id" validate:"required,min=1"`
}
