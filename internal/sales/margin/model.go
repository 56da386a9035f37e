package margin

import (
	"context"
	"errors"
	"time"
)

// Store lookup failures shared by OrderStore implementations.
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrLineNotFound  = errors.New("order line not found")
)

// LineKind tags an order line. Section and subsection lines are markers that
// partition the product lines into a two-level named hierarchy; only product
// lines carry amounts.
type LineKind string

const (
	KindSection    LineKind = "section"
	KindSubsection LineKind = "subsection"
	KindProduct    LineKind = "product"
)

// Line is one entry of an order's ordered line sequence as exposed by the
// order/line store. Optional cost fields are nil when the store has no value.
type Line struct {
	ID           int64    `json:"id"`
	Kind         LineKind `json:"kind"`
	Name         string   `json:"name"`
	ProductRef   string   `json:"product_ref,omitempty"`
	Quantity     float64  `json:"quantity"`
	UnitPrice    float64  `json:"unit_price"`
	Subtotal     float64  `json:"subtotal"`
	Margin       *float64 `json:"margin,omitempty"`
	PurchaseCost *float64 `json:"purchase_cost,omitempty"`
	StandardCost *float64 `json:"standard_cost,omitempty"`
}

// IsProduct reports whether the line is a priced product line.
func (l Line) IsProduct() bool {
	return l.Kind == KindProduct && l.ProductRef != ""
}

// Node aggregates margin figures for a section or subsection. Subsections
// never nest further, so their Subsections slice stays nil.
type Node struct {
	Name          string         `json:"name"`
	Margin        float64        `json:"margin"`
	MarginPercent float64        `json:"margin_percent"`
	PriceSubtotal float64        `json:"price_subtotal"`
	Subsections   []Node         `json:"subsections,omitempty"`
	Products      []ProductEntry `json:"products,omitempty"`
}

// ProductEntry is the per-product margin derived during extraction.
type ProductEntry struct {
	LineID        int64   `json:"line_id"`
	Name          string  `json:"name"`
	Margin        float64 `json:"margin"`
	MarginPercent float64 `json:"margin_percent"`
	PriceSubtotal float64 `json:"price_subtotal"`
}

// Breakdown is the full extraction result for one order. It is recomputed
// from the current line sequence on every read and never persisted.
type Breakdown struct {
	Sections           []Node  `json:"sections"`
	TotalMargin        float64 `json:"total_margin"`
	TotalMarginPercent float64 `json:"total_margin_percent"`
}

// UpdatedLine records one price write of a group adjustment. The field names
// are the ledger's wire format and must stay stable so stored snapshots
// remain parseable by rollback.
type UpdatedLine struct {
	LineID   int64   `json:"line_id"`
	Name     string  `json:"name"`
	OldPrice float64 `json:"old_price"`
	NewPrice float64 `json:"new_price"`
}

// AdjustmentResult reports the outcome of a margin adjustment.
type AdjustmentResult struct {
	Success          bool          `json:"success"`
	Message          string        `json:"message"`
	SectionName      string        `json:"section_name,omitempty"`
	SubsectionName   string        `json:"subsection_name,omitempty"`
	LineID           int64         `json:"line_id,omitempty"`
	ProductName      string        `json:"product_name,omitempty"`
	OldMarginPercent float64       `json:"old_margin_percent"`
	NewMarginPercent float64       `json:"new_margin_percent"`
	OldUnitPrice     float64       `json:"old_unit_price,omitempty"`
	NewUnitPrice     float64       `json:"new_unit_price,omitempty"`
	AdjustmentFactor float64       `json:"adjustment_factor,omitempty"`
	UpdatedLines     []UpdatedLine `json:"updated_lines,omitempty"`
	HistoryID        int64         `json:"history_id,omitempty"`
}

// RollbackResult reports the outcome of restoring prices from a history record.
type RollbackResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	RestoredLines int    `json:"restored_lines"`
}

// Order is the header of the external sales order the lines belong to.
type Order struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderStore is the external order/line collaborator. It owns persistence of
// orders and lines; writing a unit price recomputes the line's subtotal and
// margin as a side effect of the write. UpdateLinePrices is atomic: either
// every change lands or none do.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	ListLines(ctx context.Context, orderID int64) ([]Line, error)
	UpdateLinePrice(ctx context.Context, orderID, lineID int64, unitPrice float64) error
	UpdateLinePrices(ctx context.Context, orderID int64, changes []UpdatedLine) error
}
