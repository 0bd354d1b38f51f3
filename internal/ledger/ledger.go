// Package ledger is the atomic-update discipline over a product's on-hand
// quantities. Every movement goes through the repository's conditional
// write; the ledger itself never reads-then-writes stock.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/store"
	"gudangpos/backend/internal/unit"
)

type Ledger struct {
	repo store.Repository
	log  *zap.Logger
}

func New(repo store.Repository, log *zap.Logger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

// Apply adds a signed delta (negative for a sale, positive for a restock
// or a compensating reversal) to the addressed stock field. A delta that
// would drive the field below zero is refused, not clipped. The returned
// snapshot carries the low-stock condition for reporting to consume.
func (l *Ledger) Apply(ctx context.Context, productID string, u domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("zero delta for product %s", productID)
	}
	if u == domain.UnitSecondary {
		if err := unit.RequireIntegral(delta); err != nil {
			return nil, err
		}
	}

	snap, err := l.repo.ApplyStockDelta(ctx, productID, u, delta)
	if err != nil {
		return nil, err
	}
	if snap.LowStock {
		l.log.Warn("stock at or below minimum",
			zap.String("product_id", productID),
			zap.String("primary_stock", snap.PrimaryUnitStock.String()),
			zap.String("min_stock_level", snap.MinStockLevel.String()),
		)
	}
	return snap, nil
}

// BreakPrimary converts qty whole primary units into loose secondary
// units. This is the only movement where the conversion rate links the two
// stock counters; ordinary sales touch one counter only.
func (l *Ledger) BreakPrimary(ctx context.Context, productID string, qty decimal.Decimal) (*domain.StockSnapshot, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("break quantity %s not positive", qty)
	}
	if err := unit.RequireIntegral(qty); err != nil {
		return nil, err
	}

	snap, err := l.repo.BreakPrimaryUnit(ctx, productID, qty)
	if err != nil {
		return nil, err
	}
	if snap.LowStock {
		l.log.Warn("stock at or below minimum after break",
			zap.String("product_id", productID),
			zap.String("primary_stock", snap.PrimaryUnitStock.String()),
		)
	}
	return snap, nil
}
