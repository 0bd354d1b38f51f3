package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gudangpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCounterUnavailable = errors.New("counter store unavailable")
	ErrInvalidProduct     = errors.New("invalid product")
	ErrAlreadyVoided      = errors.New("transaction already voided")
	ErrInvalidPrefix      = errors.New("invalid counter prefix")
)

// CounterStore is the narrow interface the sequence generator depends on.
// ReserveNext must be a single indivisible increment-and-read at the
// storage layer; a read-then-write pair is not an acceptable implementation.
type CounterStore interface {
	// ReserveNext reserves and returns the next sequence for prefix,
	// creating the counter at zero on first use (first call returns 1).
	ReserveNext(ctx context.Context, prefix string) (int64, error)
	// SetFloor raises the counter for prefix to at least seq. It never
	// lowers a counter.
	SetFloor(ctx context.Context, prefix string, seq int64) error
}

// Repository is the engine's persistence boundary.
type Repository interface {
	CounterStore

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// ApplyStockDelta adds delta (negative for a sale) to the addressed
	// stock field in one atomic conditional update. A delta that would
	// drive the field below zero fails with ErrInsufficientStock and
	// nothing is applied.
	ApplyStockDelta(ctx context.Context, productID string, unit domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error)
	// BreakPrimaryUnit converts qty whole primary units into
	// qty * conversionRate secondary units, both fields updated atomically.
	BreakPrimaryUnit(ctx context.Context, productID string, qty decimal.Decimal) (*domain.StockSnapshot, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransactionByNumber(ctx context.Context, number string) (*domain.Transaction, error)
	// VoidTransaction flips the status to voided and reverses the
	// transaction's stock movements as one atomic operation. The number is
	// not reclaimed.
	VoidTransaction(ctx context.Context, number string, reason string, at time.Time) (*domain.Transaction, error)

	// Counters returns every persisted counter value by prefix.
	Counters(ctx context.Context) (map[string]int64, error)
	// MaxUsedSequences derives, per prefix, the highest sequence present
	// among persisted transaction numbers matching the sequential pattern.
	// Fallback references and foreign formats are ignored.
	MaxUsedSequences(ctx context.Context) (map[string]int64, error)
}
