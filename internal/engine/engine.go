// Package engine assembles transactions: it prices line items, checks and
// commits stock movements, reserves document numbers and persists the
// resulting record as one logical unit. Commits that fail partway are
// fully compensated; partial multi-line commits never survive.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/ledger"
	"gudangpos/backend/internal/pricing"
	"gudangpos/backend/internal/sequence"
	"gudangpos/backend/internal/store"
	"gudangpos/backend/internal/unit"
)

type Line struct {
	ProductID string
	Unit      domain.Unit
	Qty       decimal.Decimal
}

type SaleRequest struct {
	ClientRef string
	Lines     []Line
}

type RestockRequest struct {
	ClientRef string
	Lines     []Line
}

type Engine struct {
	repo    store.Repository
	ledger  *ledger.Ledger
	numbers *sequence.Generator
	log     *zap.Logger
	now     func() time.Time
}

func New(repo store.Repository, led *ledger.Ledger, numbers *sequence.Generator, log *zap.Logger) *Engine {
	return &Engine{
		repo:    repo,
		ledger:  led,
		numbers: numbers,
		log:     log,
		now:     time.Now,
	}
}

// Sale runs the full state machine for a sale: Pricing, StockCheck,
// NumberReservation, Commit, Done. Cancellation is honored between the
// early states; once Commit begins the transaction runs to Done or full
// compensation. Reserved numbers are never reclaimed on abort.
func (e *Engine) Sale(ctx context.Context, req SaleRequest) (*domain.Transaction, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("sale needs at least one line")
	}
	at := e.now().UTC()

	// Pricing.
	products, err := e.loadProducts(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	items, total, err := e.priceLines(products, req.Lines)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// StockCheck: advisory pre-check against the current snapshot, so an
	// obviously doomed sale aborts before burning a sequence number. The
	// conditional updates in Commit remain the final authority.
	if err := checkStock(products, req.Lines); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// NumberReservation.
	number, err := e.numbers.Next(ctx, domain.DocTypeInvoice, at)
	if err != nil {
		return nil, err
	}

	// Commit is no longer cancellable: it finishes or compensates fully.
	commitCtx := context.WithoutCancel(ctx)
	applied, err := e.applyLines(commitCtx, req.Lines, true)
	if err != nil {
		e.compensate(commitCtx, applied, true)
		return nil, fmt.Errorf("commit %s: %w", number.Value, err)
	}

	// Done.
	record := domain.Transaction{
		Number:    number.Value,
		DocType:   domain.DocTypeInvoice,
		ClientRef: req.ClientRef,
		Status:    domain.TxStatusCommitted,
		Fallback:  number.Fallback,
		Total:     total,
		CreatedAt: at,
		Items:     items,
	}
	created, err := e.repo.CreateTransaction(commitCtx, record)
	if err != nil {
		e.compensate(commitCtx, applied, true)
		return nil, fmt.Errorf("persist %s: %w", number.Value, err)
	}

	e.log.Info("sale committed",
		zap.String("number", created.Number),
		zap.Bool("fallback_number", created.Fallback),
		zap.Int("lines", len(created.Items)),
		zap.String("total", created.Total.String()),
	)
	return created, nil
}

// Restock increments stock and mints a receipt number in the PUR prefix
// space. Receipt lines carry no sale price; cost tracking is out of scope.
func (e *Engine) Restock(ctx context.Context, req RestockRequest) (*domain.Transaction, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("restock needs at least one line")
	}
	at := e.now().UTC()

	products, err := e.loadProducts(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	items := make([]domain.TransactionLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		if err := validateLine(product, line); err != nil {
			return nil, err
		}
		items = append(items, domain.TransactionLine{
			ProductID: line.ProductID,
			Unit:      line.Unit,
			Qty:       line.Qty,
			UnitPrice: decimal.Zero,
			Subtotal:  decimal.Zero,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	number, err := e.numbers.Next(ctx, domain.DocTypeReceipt, at)
	if err != nil {
		return nil, err
	}

	commitCtx := context.WithoutCancel(ctx)
	applied, err := e.applyLines(commitCtx, req.Lines, false)
	if err != nil {
		e.compensate(commitCtx, applied, false)
		return nil, fmt.Errorf("commit %s: %w", number.Value, err)
	}

	record := domain.Transaction{
		Number:    number.Value,
		DocType:   domain.DocTypeReceipt,
		ClientRef: req.ClientRef,
		Status:    domain.TxStatusCommitted,
		Fallback:  number.Fallback,
		Total:     decimal.Zero,
		CreatedAt: at,
		Items:     items,
	}
	created, err := e.repo.CreateTransaction(commitCtx, record)
	if err != nil {
		e.compensate(commitCtx, applied, false)
		return nil, fmt.Errorf("persist %s: %w", number.Value, err)
	}

	e.log.Info("restock committed",
		zap.String("number", created.Number),
		zap.Int("lines", len(created.Items)),
	)
	return created, nil
}

// Void marks a committed transaction voided and reverses its stock
// movements atomically at the store. The document number stays assigned.
func (e *Engine) Void(ctx context.Context, number string, reason string) (*domain.Transaction, error) {
	if reason == "" {
		reason = "unspecified"
	}
	voided, err := e.repo.VoidTransaction(ctx, number, reason, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.log.Info("transaction voided",
		zap.String("number", voided.Number),
		zap.String("reason", reason),
	)
	return voided, nil
}

func (e *Engine) loadProducts(ctx context.Context, lines []Line) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return e.repo.GetProducts(ctx, ids)
}

func (e *Engine) priceLines(products map[string]domain.Product, lines []Line) ([]domain.TransactionLine, decimal.Decimal, error) {
	items := make([]domain.TransactionLine, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		if err := validateLine(product, line); err != nil {
			return nil, decimal.Zero, err
		}

		price, err := pricing.ResolveUnitPrice(product, line.Unit, line.Qty)
		if err != nil {
			return nil, decimal.Zero, err
		}
		subtotal := price.Mul(line.Qty)
		items = append(items, domain.TransactionLine{
			ProductID: line.ProductID,
			Unit:      line.Unit,
			Qty:       line.Qty,
			UnitPrice: price,
			Subtotal:  subtotal,
		})
		total = total.Add(subtotal)
	}
	return items, total, nil
}

// checkStock verifies that the requested deductions, summed per product
// and unit, fit the current snapshot. Advisory only.
func checkStock(products map[string]domain.Product, lines []Line) error {
	type key struct {
		productID string
		unit      domain.Unit
	}
	requested := make(map[key]decimal.Decimal, len(lines))
	for _, line := range lines {
		k := key{line.ProductID, line.Unit}
		requested[k] = requested[k].Add(line.Qty)
	}
	for k, qty := range requested {
		product := products[k.productID]
		if product.StockOf(k.unit).Cmp(qty) < 0 {
			return fmt.Errorf("%w: product %s %s stock %s, requested %s",
				store.ErrInsufficientStock, k.productID, k.unit, product.StockOf(k.unit), qty)
		}
	}
	return nil
}

// applyLines commits the movements sequentially so compensation has a
// well-defined point to unwind from. It returns the lines that made it,
// including the failed call's predecessors.
func (e *Engine) applyLines(ctx context.Context, lines []Line, deduct bool) ([]Line, error) {
	applied := make([]Line, 0, len(lines))
	for _, line := range lines {
		delta := line.Qty
		if deduct {
			delta = delta.Neg()
		}
		if _, err := e.ledger.Apply(ctx, line.ProductID, line.Unit, delta); err != nil {
			return applied, err
		}
		applied = append(applied, line)
	}
	return applied, nil
}

// compensate reverses already-applied movements in reverse order. A
// compensation failure leaves stock inconsistent and is loud about it.
func (e *Engine) compensate(ctx context.Context, applied []Line, deducted bool) {
	for i := len(applied) - 1; i >= 0; i-- {
		line := applied[i]
		delta := line.Qty
		if !deducted {
			delta = delta.Neg()
		}
		if _, err := e.ledger.Apply(ctx, line.ProductID, line.Unit, delta); err != nil {
			e.log.Error("compensation failed, stock needs manual repair",
				zap.String("product_id", line.ProductID),
				zap.String("unit", line.Unit.String()),
				zap.String("qty", line.Qty.String()),
				zap.Error(err),
			)
		}
	}
}

func validateLine(product domain.Product, line Line) error {
	if !line.Qty.IsPositive() {
		return fmt.Errorf("product %s: quantity %s not positive", line.ProductID, line.Qty)
	}
	if line.Unit == domain.UnitSecondary {
		if !product.HasSecondaryUnit() {
			return fmt.Errorf("%w: product %s has no secondary unit", unit.ErrUnsupportedConversion, product.ID)
		}
		if err := unit.RequireIntegral(line.Qty); err != nil {
			return fmt.Errorf("product %s: %w", line.ProductID, err)
		}
	}
	return nil
}
