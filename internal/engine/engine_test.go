package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/ledger"
	"gudangpos/backend/internal/sequence"
	"gudangpos/backend/internal/store"
	"gudangpos/backend/internal/store/memory"
	"gudangpos/backend/internal/unit"
)

var fixedNow = time.Date(2025, time.September, 14, 10, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, repo store.Repository, products ...domain.Product) *Engine {
	t.Helper()
	for _, p := range products {
		if _, err := repo.CreateProduct(context.Background(), p); err != nil {
			t.Fatalf("seed product %s: %v", p.ID, err)
		}
	}
	log := zap.NewNop()
	eng := New(repo, ledger.New(repo, log), sequence.NewGenerator(repo, log), log)
	eng.now = func() time.Time { return fixedNow }
	return eng
}

func cementProduct(stock int64) domain.Product {
	return domain.Product{
		ID:               "cement-50kg",
		Name:             "Cement 50kg",
		Category:         "building",
		PrimaryUnit:      "bag",
		PrimaryUnitPrice: decimal.NewFromInt(4500),
		PrimaryUnitStock: decimal.NewFromInt(stock),
		BulkPrices: []domain.BulkPrice{
			{Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(4300)},
			{Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(4000)},
		},
	}
}

func TestSaleCommitsWithTierPricing(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(100))

	tx, err := eng.Sale(context.Background(), SaleRequest{
		ClientRef: "pos-7",
		Lines: []Line{
			{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(60)},
		},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if tx.Number != "INV25090001" {
		t.Fatalf("number %s, want INV25090001", tx.Number)
	}
	if tx.Fallback {
		t.Fatalf("sequential sale marked fallback")
	}
	if !tx.Items[0].UnitPrice.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("unit price %s, want tier price 4000", tx.Items[0].UnitPrice)
	}
	if !tx.Total.Equal(decimal.NewFromInt(240000)) {
		t.Fatalf("total %s, want 240000", tx.Total)
	}

	p, err := repo.GetProduct(context.Background(), "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("stock %s, want 40", p.PrimaryUnitStock)
	}

	persisted, err := repo.GetTransactionByNumber(context.Background(), "INV25090001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if persisted.Status != domain.TxStatusCommitted {
		t.Fatalf("status %s", persisted.Status)
	}
}

func TestSaleNumbersAreConsecutive(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(100))
	ctx := context.Background()

	for _, want := range []string{"INV25090001", "INV25090002", "INV25090003"} {
		tx, err := eng.Sale(ctx, SaleRequest{
			Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(1)}},
		})
		if err != nil {
			t.Fatalf("sale: %v", err)
		}
		if tx.Number != want {
			t.Fatalf("number %s, want %s", tx.Number, want)
		}
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(100))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Sale(ctx, SaleRequest{
				Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(60)}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var failures int
	for err := range results {
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
		failures++
	}
	if failures != 1 {
		t.Fatalf("%d sales refused, want exactly 1", failures)
	}

	p, err := repo.GetProduct(ctx, "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("stock %s, want 40", p.PrimaryUnitStock)
	}
}

// staleStockRepo inflates the product snapshot so the advisory check
// passes while the conditional updates still see the real stock.
type staleStockRepo struct {
	store.Repository
}

func (r staleStockRepo) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products, err := r.Repository.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range products {
		p.PrimaryUnitStock = p.PrimaryUnitStock.Add(decimal.NewFromInt(1000))
		products[id] = p
	}
	return products, nil
}

func TestSaleCompensatesPartialCommit(t *testing.T) {
	inner := memory.New()
	repo := staleStockRepo{Repository: inner}
	eng := newTestEngine(t, repo,
		cementProduct(5),
		domain.Product{
			ID:               "sand-25kg",
			Name:             "Sand 25kg",
			PrimaryUnit:      "bag",
			PrimaryUnitPrice: decimal.NewFromInt(2000),
			PrimaryUnitStock: decimal.NewFromInt(0),
		},
	)
	ctx := context.Background()

	_, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{
			{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(3)},
			{ProductID: "sand-25kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(2)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// First line's deduction was compensated.
	cement, err := inner.GetProduct(ctx, "cement-50kg")
	if err != nil {
		t.Fatalf("get cement: %v", err)
	}
	if !cement.PrimaryUnitStock.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("cement stock %s, want 5 after compensation", cement.PrimaryUnitStock)
	}

	// The reserved number is burned, not reclaimed: no record under it and
	// the next sale continues past it.
	if _, err := inner.GetTransactionByNumber(ctx, "INV25090001"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("aborted number has a record: %v", err)
	}
	tx, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("follow-up sale: %v", err)
	}
	if tx.Number != "INV25090002" {
		t.Fatalf("follow-up number %s, want INV25090002", tx.Number)
	}
}

func TestSaleAbortBeforeReservationBurnsNoNumber(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(2))
	ctx := context.Background()

	_, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(3)}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	counters, err := repo.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if len(counters) != 0 {
		t.Fatalf("early abort consumed a sequence: %v", counters)
	}

	tx, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if tx.Number != "INV25090001" {
		t.Fatalf("number %s, want INV25090001", tx.Number)
	}
}

func TestSaleCommitsWithFallbackNumber(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(10))
	// Counter store down; the repository itself stays reachable.
	eng.numbers = sequence.NewGenerator(unavailableCounters{}, zap.NewNop())
	ctx := context.Background()

	tx, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(2)}},
	})
	if err != nil {
		t.Fatalf("sale with counters down: %v", err)
	}
	if !tx.Fallback {
		t.Fatalf("number %s not marked fallback", tx.Number)
	}
	if domain.SequentialNumberRe.MatchString(tx.Number) {
		t.Fatalf("fallback number %s collides with the sequential space", tx.Number)
	}

	persisted, err := repo.GetTransactionByNumber(ctx, tx.Number)
	if err != nil {
		t.Fatalf("lookup fallback sale: %v", err)
	}
	if !persisted.Fallback || persisted.Status != domain.TxStatusCommitted {
		t.Fatalf("persisted fallback sale: fallback=%v status=%s", persisted.Fallback, persisted.Status)
	}
}

type unavailableCounters struct{}

func (unavailableCounters) ReserveNext(context.Context, string) (int64, error) {
	return 0, store.ErrCounterUnavailable
}

func (unavailableCounters) SetFloor(context.Context, string, int64) error {
	return store.ErrCounterUnavailable
}

func TestRestock(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(5))
	ctx := context.Background()

	tx, err := eng.Restock(ctx, RestockRequest{
		ClientRef: "supplier-12",
		Lines: []Line{
			{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(40)},
		},
	})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if tx.Number != "PUR25090001" {
		t.Fatalf("number %s, want PUR25090001", tx.Number)
	}
	if tx.DocType != domain.DocTypeReceipt {
		t.Fatalf("doc type %s", tx.DocType)
	}
	if !tx.Total.IsZero() {
		t.Fatalf("receipt total %s, want 0", tx.Total)
	}

	p, err := repo.GetProduct(ctx, "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("stock %s, want 45", p.PrimaryUnitStock)
	}
}

func TestVoidRestoresStockKeepsNumber(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(10))
	ctx := context.Background()

	sale, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(4)}},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}

	voided, err := eng.Void(ctx, sale.Number, "customer return")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.TxStatusVoided {
		t.Fatalf("status %s", voided.Status)
	}
	if voided.VoidReason != "customer return" {
		t.Fatalf("reason %q", voided.VoidReason)
	}
	if voided.VoidedAt == nil {
		t.Fatalf("voided transaction has no void timestamp")
	}

	p, err := repo.GetProduct(ctx, "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("stock %s, want 10 after void", p.PrimaryUnitStock)
	}

	// The voided number stays assigned; the next sale gets a fresh one.
	next, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("next sale: %v", err)
	}
	if next.Number != "INV25090002" {
		t.Fatalf("next number %s, want INV25090002", next.Number)
	}

	if _, err := eng.Void(ctx, sale.Number, "again"); !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("double void: expected ErrAlreadyVoided, got %v", err)
	}
}

func TestSecondaryUnitSale(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, domain.Product{
		ID:                 "nails-1kg",
		Name:               "Nails 1kg",
		PrimaryUnit:        "box",
		SecondaryUnit:      "piece",
		ConversionRate:     decimal.NewFromInt(40),
		PrimaryUnitPrice:   decimal.NewFromInt(9000),
		SecondaryUnitPrice: decimal.NewFromInt(250),
		PrimaryUnitStock:   decimal.NewFromInt(3),
		SecondaryUnitStock: decimal.NewFromInt(30),
	})
	ctx := context.Background()

	tx, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "nails-1kg", Unit: domain.UnitSecondary, Qty: decimal.NewFromInt(4)}},
	})
	if err != nil {
		t.Fatalf("secondary sale: %v", err)
	}
	if !tx.Items[0].UnitPrice.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("unit price %s, want secondary price 250", tx.Items[0].UnitPrice)
	}
	if !tx.Total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("total %s, want 1000", tx.Total)
	}

	p, err := repo.GetProduct(ctx, "nails-1kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.SecondaryUnitStock.Equal(decimal.NewFromInt(26)) {
		t.Fatalf("secondary stock %s, want 26", p.SecondaryUnitStock)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("primary stock touched: %s", p.PrimaryUnitStock)
	}
}

func TestSecondaryUnitSaleRejectsFractionalQty(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, domain.Product{
		ID:                 "nails-1kg",
		Name:               "Nails 1kg",
		PrimaryUnit:        "box",
		SecondaryUnit:      "piece",
		ConversionRate:     decimal.NewFromInt(40),
		SecondaryUnitPrice: decimal.NewFromInt(250),
		SecondaryUnitStock: decimal.NewFromInt(30),
	})

	_, err := eng.Sale(context.Background(), SaleRequest{
		Lines: []Line{{ProductID: "nails-1kg", Unit: domain.UnitSecondary, Qty: decimal.NewFromFloat(2.5)}},
	})
	if !errors.Is(err, unit.ErrNonIntegralQuantity) {
		t.Fatalf("expected ErrNonIntegralQuantity, got %v", err)
	}
}

func TestSecondaryUnitSaleWithoutSecondaryUnit(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(10))

	_, err := eng.Sale(context.Background(), SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitSecondary, Qty: decimal.NewFromInt(1)}},
	})
	if !errors.Is(err, unit.ErrUnsupportedConversion) {
		t.Fatalf("expected ErrUnsupportedConversion, got %v", err)
	}
}

// cancelMidReservationRepo cancels the request while the counter
// statement is in flight, as a caller hanging up does, and returns the
// context error the driver would surface.
type cancelMidReservationRepo struct {
	store.Repository
	cancel context.CancelFunc
}

func (r cancelMidReservationRepo) ReserveNext(ctx context.Context, prefix string) (int64, error) {
	r.cancel()
	return 0, ctx.Err()
}

func TestSaleCancelledDuringReservationDoesNotCommit(t *testing.T) {
	inner := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := cancelMidReservationRepo{Repository: inner, cancel: cancel}
	eng := newTestEngine(t, repo, cementProduct(10))

	_, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(2)}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The abandoned sale must not degrade to a fallback number and commit.
	p, err := inner.GetProduct(context.Background(), "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("abandoned sale moved stock: %s", p.PrimaryUnitStock)
	}
}

func TestSaleHonorsCancellationBeforeCommit(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(2)}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	p, err := repo.GetProduct(context.Background(), "cement-50kg")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !p.PrimaryUnitStock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cancelled sale moved stock: %s", p.PrimaryUnitStock)
	}
	counters, err := repo.Counters(context.Background())
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if len(counters) != 0 {
		t.Fatalf("cancelled sale consumed a sequence: %v", counters)
	}
}

func TestSaleRejectsEmptyAndNonPositiveLines(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(10))
	ctx := context.Background()

	if _, err := eng.Sale(ctx, SaleRequest{}); err == nil {
		t.Fatalf("empty sale accepted")
	}
	if _, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.Zero}},
	}); err == nil {
		t.Fatalf("zero quantity accepted")
	}
	if _, err := eng.Sale(ctx, SaleRequest{
		Lines: []Line{{ProductID: "ghost", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(1)}},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown product: expected ErrNotFound, got %v", err)
	}
}

func TestSaleAggregatesRepeatedLinesInStockCheck(t *testing.T) {
	repo := memory.New()
	eng := newTestEngine(t, repo, cementProduct(5))

	// Individually each line fits; together they exceed stock. The
	// advisory check sums them and aborts before reserving a number.
	_, err := eng.Sale(context.Background(), SaleRequest{
		Lines: []Line{
			{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(3)},
			{ProductID: "cement-50kg", Unit: domain.UnitPrimary, Qty: decimal.NewFromInt(3)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	counters, err := repo.Counters(context.Background())
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if len(counters) != 0 {
		t.Fatalf("aggregated refusal consumed a sequence: %v", counters)
	}
}
