// Package history is the append-only ledger of margin adjustments. Records
// capture enough of the before/after state to restore the exact prices an
// adjustment wrote; they are never updated after creation and disappear only
// with their parent order.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AdjustmentType distinguishes what a record adjusted.
type AdjustmentType string

const (
	TypeSection    AdjustmentType = "section"
	TypeSubsection AdjustmentType = "subsection"
	TypeProduct    AdjustmentType = "product"
)

// AffectedLine is one snapshotted price write of a group adjustment. The
// JSON field names are persisted as-is and must remain parseable by rollback
// across versions.
type AffectedLine struct {
	LineID   int64   `json:"line_id"`
	Name     string  `json:"name"`
	OldPrice float64 `json:"old_price"`
	NewPrice float64 `json:"new_price"`
}

// Record is one margin adjustment. Group records carry the AffectedLines
// snapshot; product records carry the single old/new unit price instead.
type Record struct {
	ID               int64          `json:"id"`
	OrderID          int64          `json:"order_id"`
	Reference        uuid.UUID      `json:"reference"`
	Type             AdjustmentType `json:"adjustment_type"`
	SectionName      string         `json:"section_name,omitempty"`
	SubsectionName   string         `json:"subsection_name,omitempty"`
	LineID           *int64         `json:"line_id,omitempty"`
	ProductName      string         `json:"product_name,omitempty"`
	OldMarginPercent float64        `json:"old_margin_percent"`
	NewMarginPercent float64        `json:"new_margin_percent"`
	OldUnitPrice     float64        `json:"old_unit_price,omitempty"`
	NewUnitPrice     float64        `json:"new_unit_price,omitempty"`
	AffectedLines    []AffectedLine `json:"affected_lines,omitempty"`
	CreatedBy        int64          `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Repository persists adjustment records. Insert is pure append.
type Repository interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	Get(ctx context.Context, id int64) (Record, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Record, error)
}
