// Package orders adapts the external sale-order line store. It owns the
// sale_orders and sale_order_lines tables and is the only writer of unit
// prices; subtotal and margin are recomputed inside the same price write so
// callers always read consistent amounts.
package orders

// DisplayType mirrors the store's sentinel column. Product lines carry a
// NULL display type.
const (
	DisplaySection    = "line_section"
	DisplaySubsection = "line_subsection"
)
