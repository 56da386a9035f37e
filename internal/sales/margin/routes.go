package margin

import "github.com/go-chi/chi/v5"

// MountRoutes registers the margin endpoints under /orders.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{orderID}/margin", func(r chi.Router) {
		r.Get("/", h.Breakdown)
		r.Get("/history", h.History)
		r.Post("/sections/adjust", h.AdjustSection)
		r.Post("/subsections/adjust", h.AdjustSubsection)
		r.Post("/products/adjust", h.AdjustProduct)
		r.Post("/rollback", h.Rollback)
	})
}
