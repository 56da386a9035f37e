package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/clasicc/salesmargin/internal/sales/margin/history"
	"github.com/clasicc/salesmargin/internal/shared"
)

// AuditRecorder writes audit-log entries. Like history appends, audit writes
// are best effort and never fail the adjustment that triggered them.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// WarmupEnqueuer schedules a background cache re-prime for an order.
type WarmupEnqueuer interface {
	EnqueueMarginSnapshot(ctx context.Context, orderID int64) error
}

// Service orchestrates extraction, price solving, the history ledger and the
// read cache for one order at a time. It holds no state of its own: every
// read re-derives from current line prices, and concurrent adjustments
// against the same order are serialized by the line store, not here.
type Service struct {
	store    OrderStore
	ledger   history.Repository
	cache    *Cache
	audit    AuditRecorder
	enqueuer WarmupEnqueuer
	logger   *slog.Logger
	group    singleflight.Group
}

// NewService wires the margin service. Cache, audit and enqueuer may be nil;
// the corresponding side effects are skipped.
func NewService(store OrderStore, ledger history.Repository, cache *Cache, audit AuditRecorder, enqueuer WarmupEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		cache:    cache,
		audit:    audit,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Breakdown returns the order's margin tree, served through the read cache.
// Concurrent fills for the same key collapse into one extraction.
func (s *Service) Breakdown(ctx context.Context, orderID int64) (Breakdown, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return Breakdown{}, err
	}

	key, err := s.cache.BreakdownKey(ctx, orderID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("margin: cache key: %w", err)
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var b Breakdown
		err := s.cache.FetchJSON(ctx, key, &b, func(ctx context.Context) (interface{}, error) {
			lines, err := s.store.ListLines(ctx, orderID)
			if err != nil {
				return nil, err
			}
			return Extract(lines), nil
		})
		return b, err
	})
	if err != nil {
		return Breakdown{}, err
	}
	return v.(Breakdown), nil
}

// RefreshBreakdown recomputes the order's breakdown from the line store and
// primes the cache entry for the current version. The warmup worker calls it
// after adjustments, when the bumped version has no entry yet.
func (s *Service) RefreshBreakdown(ctx context.Context, orderID int64) (Breakdown, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return Breakdown{}, err
	}
	lines, err := s.store.ListLines(ctx, orderID)
	if err != nil {
		return Breakdown{}, err
	}
	b := Extract(lines)

	key, err := s.cache.BreakdownKey(ctx, orderID)
	if err != nil {
		s.logger.Warn("breakdown cache key", slog.Int64("order_id", orderID), slog.Any("error", err))
		return b, nil
	}
	if err := s.cache.FetchJSON(ctx, key, &Breakdown{}, func(context.Context) (interface{}, error) {
		return b, nil
	}); err != nil {
		s.logger.Warn("prime breakdown cache", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
	return b, nil
}

// History lists the order's adjustment records, newest first.
func (s *Service) History(ctx context.Context, orderID int64) ([]history.Record, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.ListByOrder(ctx, orderID)
}

// AdjustSectionMargin adjusts every product line of the named section,
// including lines under its subsections, to reach the target margin.
func (s *Service) AdjustSectionMargin(ctx context.Context, orderID int64, sectionName string, targetMarginPercent float64) (AdjustmentResult, error) {
	return s.adjustGroup(ctx, orderID, history.TypeSection, sectionName, "", targetMarginPercent)
}

// AdjustSubsectionMargin adjusts the product lines of the named subsection.
func (s *Service) AdjustSubsectionMargin(ctx context.Context, orderID int64, subsectionName string, targetMarginPercent float64) (AdjustmentResult, error) {
	return s.adjustGroup(ctx, orderID, history.TypeSubsection, "", subsectionName, targetMarginPercent)
}

func (s *Service) adjustGroup(ctx context.Context, orderID int64, adjType history.AdjustmentType, sectionName, subsectionName string, targetMarginPercent float64) (AdjustmentResult, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return AdjustmentResult{}, err
	}
	lines, err := s.store.ListLines(ctx, orderID)
	if err != nil {
		return AdjustmentResult{}, err
	}

	var target []Line
	groupName := sectionName
	if adjType == history.TypeSubsection {
		groupName = subsectionName
		target = SelectSubsectionLines(lines, subsectionName)
	} else {
		target = SelectSectionLines(lines, sectionName)
	}

	solution, err := SolveGroup(target, targetMarginPercent)
	if err != nil {
		return groupFailure(adjType, groupName, err)
	}

	if err := s.store.UpdateLinePrices(ctx, orderID, solution.Changes); err != nil {
		return AdjustmentResult{}, fmt.Errorf("margin: write group prices: %w", err)
	}

	newMarginPercent, err := s.recomputeGroupMargin(ctx, orderID, solution)
	if err != nil {
		return AdjustmentResult{}, err
	}

	reference := uuid.New()
	rec := history.Record{
		OrderID:          orderID,
		Reference:        reference,
		Type:             adjType,
		SectionName:      sectionName,
		SubsectionName:   subsectionName,
		OldMarginPercent: solution.OldMarginPercent,
		NewMarginPercent: newMarginPercent,
		AffectedLines:    toAffectedLines(solution.Changes),
		CreatedBy:        actorID(ctx),
	}
	historyID := s.appendHistory(ctx, rec)

	s.afterWrite(ctx, orderID, "margin.adjust_"+string(adjType), map[string]any{
		"group":          groupName,
		"target_percent": targetMarginPercent,
		"factor":         solution.Factor,
		"reference":      reference.String(),
	})

	return AdjustmentResult{
		Success:          true,
		Message:          fmt.Sprintf("Adjustment applied to %d products", len(solution.Changes)),
		SectionName:      sectionName,
		SubsectionName:   subsectionName,
		OldMarginPercent: solution.OldMarginPercent,
		NewMarginPercent: newMarginPercent,
		AdjustmentFactor: solution.Factor,
		UpdatedLines:     solution.Changes,
		HistoryID:        historyID,
	}, nil
}

// AdjustProductMargin solves a single line independently to exactly the
// target margin.
func (s *Service) AdjustProductMargin(ctx context.Context, orderID, lineID int64, targetMarginPercent float64) (AdjustmentResult, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return AdjustmentResult{}, err
	}
	lines, err := s.store.ListLines(ctx, orderID)
	if err != nil {
		return AdjustmentResult{}, err
	}

	var line *Line
	for i := range lines {
		if lines[i].ID == lineID && lines[i].IsProduct() {
			line = &lines[i]
			break
		}
	}
	if line == nil {
		return AdjustmentResult{Success: false, Message: "Product line not found"}, nil
	}

	solution, err := SolveProduct(*line, targetMarginPercent)
	if err != nil {
		switch {
		case errors.Is(err, ErrZeroCost):
			return AdjustmentResult{Success: false, Message: "Cannot adjust: product cost is 0"}, nil
		case errors.Is(err, ErrMarginTooHigh):
			return AdjustmentResult{Success: false, Message: "Margin cannot be 100% or greater"}, nil
		default:
			return AdjustmentResult{}, err
		}
	}

	if err := s.store.UpdateLinePrice(ctx, orderID, lineID, solution.NewUnitPrice); err != nil {
		if errors.Is(err, ErrLineNotFound) {
			return AdjustmentResult{Success: false, Message: "Product line not found"}, nil
		}
		return AdjustmentResult{}, fmt.Errorf("margin: write line %d: %w", lineID, err)
	}

	reference := uuid.New()
	rec := history.Record{
		OrderID:          orderID,
		Reference:        reference,
		Type:             history.TypeProduct,
		LineID:           &lineID,
		ProductName:      line.Name,
		OldMarginPercent: solution.OldMarginPercent,
		NewMarginPercent: solution.NewMarginPercent,
		OldUnitPrice:     solution.OldUnitPrice,
		NewUnitPrice:     solution.NewUnitPrice,
		CreatedBy:        actorID(ctx),
	}
	historyID := s.appendHistory(ctx, rec)

	s.afterWrite(ctx, orderID, "margin.adjust_product", map[string]any{
		"line_id":        lineID,
		"target_percent": targetMarginPercent,
		"reference":      reference.String(),
	})

	return AdjustmentResult{
		Success:          true,
		Message:          fmt.Sprintf("Adjustment applied to %q", line.Name),
		LineID:           lineID,
		ProductName:      line.Name,
		OldMarginPercent: solution.OldMarginPercent,
		NewMarginPercent: solution.NewMarginPercent,
		OldUnitPrice:     solution.OldUnitPrice,
		NewUnitPrice:     solution.NewUnitPrice,
		HistoryID:        historyID,
	}, nil
}

// RollbackMargin restores prices from a history record. Product records
// restore the single line; group records restore every snapshotted line that
// still exists, reporting success when at least one was restored. Rollback
// itself is not recorded, so it cannot be undone through this mechanism.
func (s *Service) RollbackMargin(ctx context.Context, orderID, historyID int64) (RollbackResult, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return RollbackResult{}, err
	}

	rec, err := s.ledger.Get(ctx, historyID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return RollbackResult{Success: false, Message: "History record not found"}, nil
		}
		return RollbackResult{}, err
	}
	if rec.OrderID != orderID {
		return RollbackResult{Success: false, Message: "History record does not belong to this order"}, nil
	}

	switch rec.Type {
	case history.TypeProduct:
		if rec.LineID == nil {
			return RollbackResult{Success: false, Message: "History record has no product line"}, nil
		}
		if err := s.store.UpdateLinePrice(ctx, orderID, *rec.LineID, rec.OldUnitPrice); err != nil {
			if errors.Is(err, ErrLineNotFound) {
				return RollbackResult{Success: false, Message: "Product line no longer exists"}, nil
			}
			return RollbackResult{}, fmt.Errorf("margin: rollback line %d: %w", *rec.LineID, err)
		}
		s.afterWrite(ctx, orderID, "margin.rollback", map[string]any{"history_id": historyID})
		return RollbackResult{Success: true, Message: "Price restored", RestoredLines: 1}, nil

	case history.TypeSection, history.TypeSubsection:
		restored := 0
		for _, affected := range rec.AffectedLines {
			err := s.store.UpdateLinePrice(ctx, orderID, affected.LineID, affected.OldPrice)
			if err != nil {
				if errors.Is(err, ErrLineNotFound) {
					continue
				}
				return RollbackResult{}, fmt.Errorf("margin: rollback line %d: %w", affected.LineID, err)
			}
			restored++
		}
		if restored == 0 {
			return RollbackResult{Success: false, Message: "No lines could be restored"}, nil
		}
		s.afterWrite(ctx, orderID, "margin.rollback", map[string]any{"history_id": historyID})
		return RollbackResult{
			Success:       true,
			Message:       fmt.Sprintf("Restored %d of %d lines", restored, len(rec.AffectedLines)),
			RestoredLines: restored,
		}, nil

	default:
		return RollbackResult{Success: false, Message: "Unknown adjustment type"}, nil
	}
}

// recomputeGroupMargin re-reads the target lines after the write and derives
// the achieved margin from the fresh subtotals over the same cost basis.
func (s *Service) recomputeGroupMargin(ctx context.Context, orderID int64, solution GroupSolution) (float64, error) {
	lines, err := s.store.ListLines(ctx, orderID)
	if err != nil {
		return 0, err
	}
	targetIDs := make(map[int64]struct{}, len(solution.Changes))
	for _, change := range solution.Changes {
		targetIDs[change.LineID] = struct{}{}
	}
	var newTotalPrice float64
	for _, line := range lines {
		if _, ok := targetIDs[line.ID]; ok {
			newTotalPrice += line.Subtotal
		}
	}
	return percent(newTotalPrice-solution.TotalCost, newTotalPrice), nil
}

// appendHistory records the adjustment best-effort: a ledger failure is
// logged and swallowed so it never masks a successful price write.
func (s *Service) appendHistory(ctx context.Context, rec history.Record) int64 {
	if s.ledger == nil {
		return 0
	}
	id, err := s.ledger.Insert(ctx, rec)
	if err != nil {
		s.logger.Warn("append margin history",
			slog.Int64("order_id", rec.OrderID),
			slog.String("type", string(rec.Type)),
			slog.Any("error", err))
		return 0
	}
	return id
}

// afterWrite runs the best-effort side effects of a successful price write:
// audit entry, cache invalidation and warmup scheduling.
func (s *Service) afterWrite(ctx context.Context, orderID int64, action string, meta map[string]any) {
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID(ctx),
			Action:   action,
			Entity:   "sale_order",
			EntityID: fmt.Sprintf("%d", orderID),
			Meta:     meta,
		}); err != nil {
			s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
		}
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump margin cache", slog.Any("error", err))
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueMarginSnapshot(ctx, orderID); err != nil {
			s.logger.Warn("enqueue margin snapshot", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
	}
}

func groupFailure(adjType history.AdjustmentType, groupName string, err error) (AdjustmentResult, error) {
	kind := "section"
	if adjType == history.TypeSubsection {
		kind = "subsection"
	}
	switch {
	case errors.Is(err, ErrNoProducts):
		return AdjustmentResult{Success: false, Message: fmt.Sprintf("No products found in %s %q", kind, groupName)}, nil
	case errors.Is(err, ErrZeroCost):
		return AdjustmentResult{Success: false, Message: "Cannot adjust: total cost is 0"}, nil
	case errors.Is(err, ErrMarginTooHigh):
		return AdjustmentResult{Success: false, Message: "Margin cannot be 100% or greater"}, nil
	default:
		return AdjustmentResult{}, err
	}
}

func toAffectedLines(changes []UpdatedLine) []history.AffectedLine {
	affected := make([]history.AffectedLine, 0, len(changes))
	for _, change := range changes {
		affected = append(affected, history.AffectedLine{
			LineID:   change.LineID,
			Name:     change.Name,
			OldPrice: change.OldPrice,
			NewPrice: change.NewPrice,
		})
	}
	return affected
}

func actorID(ctx context.Context) int64 {
	if p := shared.PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return 0
}
