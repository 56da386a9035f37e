package margin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasicc/salesmargin/internal/sales/margin/history"
	"github.com/clasicc/salesmargin/internal/shared"
)

type memStore struct {
	orders map[int64]Order
	lines  map[int64][]Line
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[int64]Order), lines: make(map[int64][]Line)}
}

func (s *memStore) addOrder(id int64, lines ...Line) {
	s.orders[id] = Order{ID: id, Number: "SO-TEST", Currency: "EUR"}
	s.lines[id] = lines
}

func (s *memStore) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *memStore) ListLines(ctx context.Context, orderID int64) ([]Line, error) {
	out := make([]Line, len(s.lines[orderID]))
	copy(out, s.lines[orderID])
	return out, nil
}

func (s *memStore) UpdateLinePrice(ctx context.Context, orderID, lineID int64, unitPrice float64) error {
	lines := s.lines[orderID]
	for i := range lines {
		if lines[i].ID == lineID && lines[i].Kind == KindProduct {
			lines[i].UnitPrice = unitPrice
			lines[i].Subtotal = unitPrice * lines[i].Quantity
			lines[i].Margin = nil
			return nil
		}
	}
	return ErrLineNotFound
}

func (s *memStore) UpdateLinePrices(ctx context.Context, orderID int64, changes []UpdatedLine) error {
	for _, change := range changes {
		found := false
		for _, line := range s.lines[orderID] {
			if line.ID == change.LineID && line.Kind == KindProduct {
				found = true
				break
			}
		}
		if !found {
			return ErrLineNotFound
		}
	}
	for _, change := range changes {
		if err := s.UpdateLinePrice(ctx, orderID, change.LineID, change.NewPrice); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) removeLine(orderID, lineID int64) {
	lines := s.lines[orderID]
	kept := lines[:0]
	for _, line := range lines {
		if line.ID != lineID {
			kept = append(kept, line)
		}
	}
	s.lines[orderID] = kept
}

func (s *memStore) unitPrice(t *testing.T, orderID, lineID int64) float64 {
	t.Helper()
	for _, line := range s.lines[orderID] {
		if line.ID == lineID {
			return line.UnitPrice
		}
	}
	t.Fatalf("line %d not found", lineID)
	return 0
}

type memLedger struct {
	records   map[int64]history.Record
	nextID    int64
	insertErr error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[int64]history.Record), nextID: 1}
}

func (l *memLedger) Insert(ctx context.Context, rec history.Record) (int64, error) {
	if l.insertErr != nil {
		return 0, l.insertErr
	}
	rec.ID = l.nextID
	l.records[rec.ID] = rec
	l.nextID++
	return rec.ID, nil
}

func (l *memLedger) Get(ctx context.Context, id int64) (history.Record, error) {
	rec, ok := l.records[id]
	if !ok {
		return history.Record{}, history.ErrNotFound
	}
	return rec, nil
}

func (l *memLedger) ListByOrder(ctx context.Context, orderID int64) ([]history.Record, error) {
	var out []history.Record
	for _, rec := range l.records {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type stubEnqueuer struct {
	orderIDs []int64
}

func (e *stubEnqueuer) EnqueueMarginSnapshot(ctx context.Context, orderID int64) error {
	e.orderIDs = append(e.orderIDs, orderID)
	return nil
}

type stubAudit struct {
	actions []string
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

type fixture struct {
	store    *memStore
	ledger   *memLedger
	enqueuer *stubEnqueuer
	audit    *stubAudit
	service  *Service
}

func newFixture() *fixture {
	store := newMemStore()
	ledger := newMemLedger()
	enqueuer := &stubEnqueuer{}
	audit := &stubAudit{}
	service := NewService(store, ledger, NewCache(nil, 0), audit, enqueuer, nil)
	return &fixture{store: store, ledger: ledger, enqueuer: enqueuer, audit: audit, service: service}
}

func TestBreakdownUnknownOrder(t *testing.T) {
	f := newFixture()
	_, err := f.service.Breakdown(context.Background(), 99)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBreakdownExtractsCurrentLines(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Widget", 1, 100, 60),
	)

	b, err := f.service.Breakdown(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, b.Sections, 1)
	assert.InDelta(t, 40.0, b.TotalMargin, 1e-9)
}

func TestAdjustSectionMarginHappyPath(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 1, 100, 50),
		productLine(3, "P2", 1, 100, 50),
	)

	result, err := f.service.AdjustSectionMargin(context.Background(), 1, "Main", 20)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Adjustment applied to 2 products", result.Message)
	assert.Equal(t, "Main", result.SectionName)
	assert.InDelta(t, 50.0, result.OldMarginPercent, 1e-9)
	assert.InDelta(t, 20.0, result.NewMarginPercent, 0.01)
	assert.InDelta(t, 0.625, result.AdjustmentFactor, 1e-9)
	require.Len(t, result.UpdatedLines, 2)
	assert.NotZero(t, result.HistoryID)

	assert.InDelta(t, 62.50, f.store.unitPrice(t, 1, 2), 1e-9)
	assert.InDelta(t, 62.50, f.store.unitPrice(t, 1, 3), 1e-9)

	rec, err := f.ledger.Get(context.Background(), result.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, history.TypeSection, rec.Type)
	assert.Equal(t, "Main", rec.SectionName)
	require.Len(t, rec.AffectedLines, 2)
	assert.InDelta(t, 100.0, rec.AffectedLines[0].OldPrice, 1e-9)
	assert.InDelta(t, 62.50, rec.AffectedLines[0].NewPrice, 1e-9)

	assert.Equal(t, []int64{1}, f.enqueuer.orderIDs)
	assert.Equal(t, []string{"margin.adjust_section"}, f.audit.actions)
}

func TestAdjustSectionIncludesSubsectionLines(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Direct", 1, 100, 50),
		subsectionLine(3, "Nested"),
		productLine(4, "Inner", 1, 100, 50),
		sectionLine(5, "Other"),
		productLine(6, "Out", 1, 100, 50),
	)

	result, err := f.service.AdjustSectionMargin(context.Background(), 1, "Main", 20)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.UpdatedLines, 2)
	assert.InDelta(t, 100.0, f.store.unitPrice(t, 1, 6), 1e-9)
}

func TestAdjustSubsectionMarginScopedToSubsection(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Direct", 1, 100, 50),
		subsectionLine(3, "Nested"),
		productLine(4, "Inner", 1, 100, 50),
	)

	result, err := f.service.AdjustSubsectionMargin(context.Background(), 1, "Nested", 20)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.UpdatedLines, 1)
	assert.Equal(t, int64(4), result.UpdatedLines[0].LineID)
	assert.InDelta(t, 100.0, f.store.unitPrice(t, 1, 2), 1e-9)
	assert.InDelta(t, 62.50, f.store.unitPrice(t, 1, 4), 1e-9)
}

func TestAdjustGroupFailureMessages(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 1, 100, 50),
		sectionLine(3, "NoCost"),
		Line{ID: 4, Kind: KindProduct, ProductRef: "P-F", Name: "Free", Quantity: 1, UnitPrice: 10, Subtotal: 10},
	)
	ctx := context.Background()

	result, err := f.service.AdjustSectionMargin(ctx, 1, "Missing", 20)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, `No products found in section "Missing"`, result.Message)

	result, err = f.service.AdjustSubsectionMargin(ctx, 1, "Missing", 20)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, `No products found in subsection "Missing"`, result.Message)

	result, err = f.service.AdjustSectionMargin(ctx, 1, "NoCost", 20)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Cannot adjust: total cost is 0", result.Message)

	result, err = f.service.AdjustSectionMargin(ctx, 1, "Main", 100)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Margin cannot be 100% or greater", result.Message)

	// Failed adjustments leave no trace.
	assert.Empty(t, f.ledger.records)
	assert.Empty(t, f.enqueuer.orderIDs)
	assert.InDelta(t, 100.0, f.store.unitPrice(t, 1, 2), 1e-9)
}

func TestAdjustProductMargin(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Widget", 4, 100, 60),
	)

	result, err := f.service.AdjustProductMargin(context.Background(), 1, 2, 25)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, `Adjustment applied to "Widget"`, result.Message)
	assert.InDelta(t, 80.0, result.NewUnitPrice, 1e-9)
	assert.InDelta(t, 25.0, result.NewMarginPercent, 1e-9)
	assert.InDelta(t, 80.0, f.store.unitPrice(t, 1, 2), 1e-9)

	rec, err := f.ledger.Get(context.Background(), result.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, history.TypeProduct, rec.Type)
	require.NotNil(t, rec.LineID)
	assert.Equal(t, int64(2), *rec.LineID)
	assert.InDelta(t, 100.0, rec.OldUnitPrice, 1e-9)
	assert.InDelta(t, 80.0, rec.NewUnitPrice, 1e-9)
}

func TestAdjustProductMarginFailures(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Widget", 1, 100, 60),
		Line{ID: 3, Kind: KindProduct, ProductRef: "P-F", Name: "Free", Quantity: 1, UnitPrice: 10, Subtotal: 10},
	)
	ctx := context.Background()

	result, err := f.service.AdjustProductMargin(ctx, 1, 99, 25)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Product line not found", result.Message)

	result, err = f.service.AdjustProductMargin(ctx, 1, 3, 25)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Cannot adjust: product cost is 0", result.Message)

	result, err = f.service.AdjustProductMargin(ctx, 1, 2, 120)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Margin cannot be 100% or greater", result.Message)
}

func TestRollbackProductRestoresExactPrice(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Widget", 3, 99.99, 60),
	)
	ctx := context.Background()

	adjusted, err := f.service.AdjustProductMargin(ctx, 1, 2, 25)
	require.NoError(t, err)
	require.True(t, adjusted.Success)

	rolled, err := f.service.RollbackMargin(ctx, 1, adjusted.HistoryID)
	require.NoError(t, err)
	assert.True(t, rolled.Success)
	assert.Equal(t, "Price restored", rolled.Message)
	assert.Equal(t, 1, rolled.RestoredLines)
	assert.Equal(t, 99.99, f.store.unitPrice(t, 1, 2))
}

func TestRollbackGroupRoundTrip(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 1, 33.33, 20),
		productLine(3, "P2", 2, 45.67, 30),
	)
	ctx := context.Background()

	adjusted, err := f.service.AdjustSectionMargin(ctx, 1, "Main", 15)
	require.NoError(t, err)
	require.True(t, adjusted.Success)

	rolled, err := f.service.RollbackMargin(ctx, 1, adjusted.HistoryID)
	require.NoError(t, err)
	assert.True(t, rolled.Success)
	assert.Equal(t, "Restored 2 of 2 lines", rolled.Message)
	assert.Equal(t, 2, rolled.RestoredLines)

	// Bit-exact restore of the snapshotted prices.
	assert.Equal(t, 33.33, f.store.unitPrice(t, 1, 2))
	assert.Equal(t, 45.67, f.store.unitPrice(t, 1, 3))
}

func TestRollbackGroupPartialRestore(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 1, 100, 50),
		productLine(3, "P2", 1, 100, 50),
	)
	ctx := context.Background()

	adjusted, err := f.service.AdjustSectionMargin(ctx, 1, "Main", 20)
	require.NoError(t, err)
	f.store.removeLine(1, 3)

	rolled, err := f.service.RollbackMargin(ctx, 1, adjusted.HistoryID)
	require.NoError(t, err)
	assert.True(t, rolled.Success)
	assert.Equal(t, "Restored 1 of 2 lines", rolled.Message)
	assert.Equal(t, 1, rolled.RestoredLines)
}

func TestRollbackGroupNoLinesRestorable(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 1, 100, 50),
	)
	ctx := context.Background()

	adjusted, err := f.service.AdjustSectionMargin(ctx, 1, "Main", 20)
	require.NoError(t, err)
	f.store.removeLine(1, 2)

	rolled, err := f.service.RollbackMargin(ctx, 1, adjusted.HistoryID)
	require.NoError(t, err)
	assert.False(t, rolled.Success)
	assert.Equal(t, "No lines could be restored", rolled.Message)
}

func TestRollbackRecordChecks(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1, sectionLine(1, "Main"), productLine(2, "P1", 1, 100, 50))
	f.store.addOrder(2, sectionLine(3, "Other"), productLine(4, "P2", 1, 100, 50))
	ctx := context.Background()

	rolled, err := f.service.RollbackMargin(ctx, 1, 999)
	require.NoError(t, err)
	assert.False(t, rolled.Success)
	assert.Equal(t, "History record not found", rolled.Message)

	adjusted, err := f.service.AdjustSectionMargin(ctx, 2, "Other", 20)
	require.NoError(t, err)

	rolled, err = f.service.RollbackMargin(ctx, 1, adjusted.HistoryID)
	require.NoError(t, err)
	assert.False(t, rolled.Success)
	assert.Equal(t, "History record does not belong to this order", rolled.Message)
}

func TestHistoryFailureDoesNotMaskAdjustment(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1, sectionLine(1, "Main"), productLine(2, "P1", 1, 100, 50))
	f.ledger.insertErr = errors.New("ledger down")

	result, err := f.service.AdjustSectionMargin(context.Background(), 1, "Main", 20)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.HistoryID)
	assert.InDelta(t, 62.50, f.store.unitPrice(t, 1, 2), 1e-9)
}

func TestAdjustConvergesOnMessyNumbers(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "P1", 3, 17.77, 9.123),
		productLine(3, "P2", 7, 2.49, 1.031),
		productLine(4, "P3", 1, 199.95, 140.5),
	)

	result, err := f.service.AdjustSectionMargin(context.Background(), 1, "Main", 22.5)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.InDelta(t, 22.5, result.NewMarginPercent, 0.01)
}

func TestRefreshBreakdownSurvivesCacheOutage(t *testing.T) {
	store := newMemStore()
	store.addOrder(1,
		sectionLine(1, "Main"),
		productLine(2, "Widget", 1, 100, 60),
	)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	service := NewService(store, newMemLedger(), NewCache(client, time.Minute), nil, nil, nil)

	// With the cache backend gone the refresh still recomputes and returns
	// the breakdown; only the prime is lost.
	mr.Close()

	b, err := service.RefreshBreakdown(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, b.Sections, 1)
	assert.InDelta(t, 40.0, b.TotalMargin, 1e-9)
}

func TestAdjustRecordsPrincipalAsAuthor(t *testing.T) {
	f := newFixture()
	f.store.addOrder(1, sectionLine(1, "Main"), productLine(2, "P1", 1, 100, 50))

	ctx := shared.ContextWithPrincipal(context.Background(), &shared.Principal{UserID: 42, Label: "ops"})
	result, err := f.service.AdjustSectionMargin(ctx, 1, "Main", 20)
	require.NoError(t, err)

	rec, err := f.ledger.Get(ctx, result.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.CreatedBy)
}
