package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clasicc/salesmargin/internal/platform/db"
	"github.com/clasicc/salesmargin/internal/sales/margin"
)

// Repository is the Postgres-backed line store. It satisfies margin.OrderStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a line store over the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrder loads an order header.
func (r *Repository) GetOrder(ctx context.Context, orderID int64) (margin.Order, error) {
	var (
		order     margin.Order
		createdAt pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, currency, created_at
		FROM sale_orders
		WHERE id = $1
	`, orderID).Scan(&order.ID, &order.Number, &order.Currency, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return margin.Order{}, margin.ErrOrderNotFound
		}
		return margin.Order{}, fmt.Errorf("orders: get %d: %w", orderID, err)
	}
	if createdAt.Valid {
		order.CreatedAt = createdAt.Time
	}
	return order, nil
}

// ListLines returns the order's lines in caller-defined order.
func (r *Repository) ListLines(ctx context.Context, orderID int64) ([]margin.Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_type, name, product_ref, quantity, unit_price,
		       price_subtotal, margin, purchase_price, standard_price
		FROM sale_order_lines
		WHERE order_id = $1
		ORDER BY line_order, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("orders: list lines %d: %w", orderID, err)
	}
	defer rows.Close()

	var lines []margin.Line
	for rows.Next() {
		var (
			line          margin.Line
			displayType   pgtype.Text
			productRef    pgtype.Text
			quantity      pgtype.Numeric
			unitPrice     pgtype.Numeric
			priceSubtotal pgtype.Numeric
			lineMargin    pgtype.Numeric
			purchasePrice pgtype.Numeric
			standardPrice pgtype.Numeric
		)
		err := rows.Scan(
			&line.ID, &displayType, &line.Name, &productRef, &quantity, &unitPrice,
			&priceSubtotal, &lineMargin, &purchasePrice, &standardPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("orders: scan line: %w", err)
		}

		line.Kind = kindFromDisplayType(displayType)
		if productRef.Valid {
			line.ProductRef = productRef.String
		}
		line.Quantity = numericFloat(quantity)
		line.UnitPrice = numericFloat(unitPrice)
		line.Subtotal = numericFloat(priceSubtotal)
		line.Margin = numericPtr(lineMargin)
		line.PurchaseCost = numericPtr(purchasePrice)
		line.StandardCost = numericPtr(standardPrice)

		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// UpdateLinePrice writes a unit price and recomputes the line's subtotal and
// margin in the same statement. Marker lines are never updated.
func (r *Repository) UpdateLinePrice(ctx context.Context, orderID, lineID int64, unitPrice float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sale_order_lines
		SET unit_price = $3,
		    price_subtotal = $3 * quantity,
		    margin = ($3 * quantity) - (COALESCE(NULLIF(purchase_price, 0), NULLIF(standard_price, 0), 0) * quantity)
		WHERE id = $2 AND order_id = $1 AND display_type IS NULL
	`, orderID, lineID, unitPrice)
	if err != nil {
		return fmt.Errorf("orders: update line %d price: %w", lineID, err)
	}
	if tag.RowsAffected() == 0 {
		return margin.ErrLineNotFound
	}
	return nil
}

// UpdateLinePrices applies a group adjustment's price changes in one
// RepeatableRead transaction. A missing line aborts the whole batch.
func (r *Repository) UpdateLinePrices(ctx context.Context, orderID int64, changes []margin.UpdatedLine) error {
	if len(changes) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, change := range changes {
			tag, err := tx.Exec(ctx, `
				UPDATE sale_order_lines
				SET unit_price = $3,
				    price_subtotal = $3 * quantity,
				    margin = ($3 * quantity) - (COALESCE(NULLIF(purchase_price, 0), NULLIF(standard_price, 0), 0) * quantity)
				WHERE id = $2 AND order_id = $1 AND display_type IS NULL
			`, orderID, change.LineID, change.NewPrice)
			if err != nil {
				return fmt.Errorf("orders: update line %d price: %w", change.LineID, err)
			}
			if tag.RowsAffected() == 0 {
				return margin.ErrLineNotFound
			}
		}
		return nil
	})
}

func kindFromDisplayType(dt pgtype.Text) margin.LineKind {
	if !dt.Valid {
		return margin.KindProduct
	}
	switch dt.String {
	case DisplaySection:
		return margin.KindSection
	case DisplaySubsection:
		return margin.KindSubsection
	default:
		return margin.KindProduct
	}
}

func numericFloat(n pgtype.Numeric) float64 {
	if !n.Valid {
		return 0
	}
	f, _ := n.Float64Value()
	return f.Float64
}

func numericPtr(n pgtype.Numeric) *float64 {
	if !n.Valid {
		return nil
	}
	f, _ := n.Float64Value()
	return &f.Float64
}
