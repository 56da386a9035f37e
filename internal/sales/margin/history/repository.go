package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the history record does not exist.
var ErrNotFound = errors.New("history record not found")

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed ledger.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) Insert(ctx context.Context, rec Record) (int64, error) {
	snapshot, err := json.Marshal(rec.AffectedLines)
	if err != nil {
		return 0, fmt.Errorf("history: marshal affected lines: %w", err)
	}

	var lineID pgtype.Int8
	if rec.LineID != nil {
		lineID = pgtype.Int8{Int64: *rec.LineID, Valid: true}
	}

	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO margin_history (
			order_id, reference, adjustment_type, section_name, subsection_name,
			line_id, product_name, old_margin_percent, new_margin_percent,
			old_unit_price, new_unit_price, affected_lines, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		rec.OrderID, rec.Reference, string(rec.Type), rec.SectionName, rec.SubsectionName,
		lineID, rec.ProductName, rec.OldMarginPercent, rec.NewMarginPercent,
		rec.OldUnitPrice, rec.NewUnitPrice, snapshot, rec.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("history: insert: %w", err)
	}
	return id, nil
}

func (r *repository) Get(ctx context.Context, id int64) (Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, order_id, reference, adjustment_type, section_name, subsection_name,
		       line_id, product_name, old_margin_percent, new_margin_percent,
		       old_unit_price, new_unit_price, affected_lines, created_by, created_at
		FROM margin_history
		WHERE id = $1
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("history: get %d: %w", id, err)
	}
	return rec, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID int64) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, reference, adjustment_type, section_name, subsection_name,
		       line_id, product_name, old_margin_percent, new_margin_percent,
		       old_unit_price, new_unit_price, affected_lines, created_by, created_at
		FROM margin_history
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("history: list order %d: %w", orderID, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list order %d: %w", orderID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec            Record
		adjustmentType string
		sectionName    pgtype.Text
		subsectionName pgtype.Text
		lineID         pgtype.Int8
		productName    pgtype.Text
		snapshot       []byte
		createdAt      pgtype.Timestamptz
	)
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.Reference, &adjustmentType, &sectionName, &subsectionName,
		&lineID, &productName, &rec.OldMarginPercent, &rec.NewMarginPercent,
		&rec.OldUnitPrice, &rec.NewUnitPrice, &snapshot, &rec.CreatedBy, &createdAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Type = AdjustmentType(adjustmentType)
	rec.SectionName = sectionName.String
	rec.SubsectionName = subsectionName.String
	if lineID.Valid {
		rec.LineID = &lineID.Int64
	}
	rec.ProductName = productName.String
	if createdAt.Valid {
		rec.CreatedAt = createdAt.Time
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &rec.AffectedLines); err != nil {
			return Record{}, fmt.Errorf("decode affected lines: %w", err)
		}
	}
	return rec, nil
}
