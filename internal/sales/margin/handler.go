package margin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clasicc/salesmargin/internal/platform/httpx"
)

// Handler exposes the margin operations as a JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds the margin HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// Breakdown serves the order's margin tree.
func (h *Handler) Breakdown(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	breakdown, err := h.service.Breakdown(r.Context(), orderID)
	if err != nil {
		h.respondErr(w, "load margin breakdown", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, breakdown)
}

// History serves the order's adjustment records, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	records, err := h.service.History(r.Context(), orderID)
	if err != nil {
		h.respondErr(w, "load margin history", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": records})
}

// AdjustSection applies a target margin to a named section.
func (h *Handler) AdjustSection(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req AdjustSectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.AdjustSectionMargin(r.Context(), orderID, req.SectionName, req.TargetMarginPercent)
	if err != nil {
		h.respondErr(w, "adjust section margin", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// AdjustSubsection applies a target margin to a named subsection.
func (h *Handler) AdjustSubsection(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req AdjustSubsectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.AdjustSubsectionMargin(r.Context(), orderID, req.SubsectionName, req.TargetMarginPercent)
	if err != nil {
		h.respondErr(w, "adjust subsection margin", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// AdjustProduct applies a target margin to one product line.
func (h *Handler) AdjustProduct(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req AdjustProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.AdjustProductMargin(r.Context(), orderID, req.LineID, req.TargetMarginPercent)
	if err != nil {
		h.respondErr(w, "adjust product margin", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// Rollback restores prices from a history record.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RollbackMargin(r.Context(), orderID, req.HistoryID)
	if err != nil {
		h.respondErr(w, "rollback margin", orderID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "Invalid order ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "Malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "Invalid request")
		return false
	}
	return true
}

// respondErr converts service failures into problem responses. Domain
// outcomes are returned as structured results by the callers; anything
// reaching here is a boundary precondition failure or an internal fault.
func (h *Handler) respondErr(w http.ResponseWriter, action string, orderID int64, err error) {
	if errors.Is(err, ErrOrderNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "Sales order not found")
		return
	}
	h.logger.Error(action, slog.Int64("order_id", orderID), slog.Any("error", err))
	httpx.RespondError(w, err)
}
