// Package memory is the in-memory Repository used by unit tests and dev
// mode. All operations take the store mutex, so the conditional-update
// semantics match the postgres implementation under concurrency.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/pricing"
	"gudangpos/backend/internal/store"
	"gudangpos/backend/internal/unit"
)

type Store struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	counters     map[string]int64
	transactions map[string]domain.Transaction
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		counters:     make(map[string]int64),
		transactions: make(map[string]domain.Transaction),
	}
}

func (s *Store) ReserveNext(_ context.Context, prefix string) (int64, error) {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[prefix]++
	return s.counters[prefix], nil
}

func (s *Store) SetFloor(_ context.Context, prefix string, seq int64) error {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}
	if seq < 0 {
		return fmt.Errorf("negative floor %d for %s", seq, prefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[prefix] < seq {
		s.counters[prefix] = seq
	}
	return nil
}

func (s *Store) Counters(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.counters))
	for prefix, seq := range s.counters {
		out[prefix] = seq
	}
	return out, nil
}

func (s *Store) MaxUsedSequences(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for number := range s.transactions {
		if !domain.SequentialNumberRe.MatchString(number) {
			continue
		}
		prefix := number[:7]
		seq, err := strconv.ParseInt(number[7:], 10, 64)
		if err != nil {
			continue
		}
		if seq > out[prefix] {
			out[prefix] = seq
		}
	}
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := copyProduct(product)
	return &copied, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			out[id] = copyProduct(product)
		}
	}
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate id %s", store.ErrInvalidProduct, product.ID)
	}
	s.products[product.ID] = copyProduct(product)
	created := copyProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.products[product.ID] = copyProduct(product)
	updated := copyProduct(product)
	return &updated, nil
}

func (s *Store) ApplyStockDelta(_ context.Context, productID string, u domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyDeltaLocked(productID, u, delta)
}

// applyDeltaLocked is the single place stock fields change; the caller
// holds the mutex so check and write are indivisible.
func (s *Store) applyDeltaLocked(productID string, u domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error) {
	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	next := product.StockOf(u).Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("%w: product %s %s stock %s, delta %s", store.ErrInsufficientStock, productID, u, product.StockOf(u), delta)
	}

	if u == domain.UnitSecondary {
		product.SecondaryUnitStock = next
	} else {
		product.PrimaryUnitStock = next
	}
	s.products[productID] = product

	return snapshotOf(product), nil
}

func (s *Store) BreakPrimaryUnit(_ context.Context, productID string, qty decimal.Decimal) (*domain.StockSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	credited, err := unit.SecondaryStockFor(product, qty)
	if err != nil {
		return nil, err
	}
	next := product.PrimaryUnitStock.Sub(qty)
	if next.IsNegative() {
		return nil, fmt.Errorf("%w: product %s primary stock %s, break %s", store.ErrInsufficientStock, productID, product.PrimaryUnitStock, qty)
	}

	product.PrimaryUnitStock = next
	product.SecondaryUnitStock = product.SecondaryUnitStock.Add(credited)
	s.products[productID] = product

	return snapshotOf(product), nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.Number == "" || len(tx.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction needs a number and items", store.ErrInvalidProduct)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.Number]; exists {
		return nil, fmt.Errorf("duplicate transaction number %s", tx.Number)
	}
	s.transactions[tx.Number] = copyTransaction(tx)
	created := copyTransaction(tx)
	return &created, nil
}

func (s *Store) GetTransactionByNumber(_ context.Context, number string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := copyTransaction(tx)
	return &copied, nil
}

func (s *Store) VoidTransaction(_ context.Context, number string, reason string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: %s", store.ErrAlreadyVoided, number)
	}

	// Reverse the original movements. A voided sale restores stock; a
	// voided receipt removes it and fails if the goods were already sold.
	applied := make([]domain.TransactionLine, 0, len(tx.Items))
	for _, item := range tx.Items {
		delta := item.Qty
		if tx.DocType == domain.DocTypeReceipt {
			delta = delta.Neg()
		}
		if _, err := s.applyDeltaLocked(item.ProductID, item.Unit, delta); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				undo := applied[i].Qty.Neg()
				if tx.DocType == domain.DocTypeReceipt {
					undo = applied[i].Qty
				}
				_, _ = s.applyDeltaLocked(applied[i].ProductID, applied[i].Unit, undo)
			}
			return nil, err
		}
		applied = append(applied, item)
	}

	voidedAt := at.UTC()
	tx.Status = domain.TxStatusVoided
	tx.VoidReason = reason
	tx.VoidedAt = &voidedAt
	s.transactions[number] = tx

	voided := copyTransaction(tx)
	return &voided, nil
}

func validateProduct(p domain.Product) error {
	if p.ID == "" || p.Name == "" || p.PrimaryUnit == "" {
		return fmt.Errorf("%w: id, name and primary unit are required", store.ErrInvalidProduct)
	}
	if p.PrimaryUnitStock.IsNegative() || p.SecondaryUnitStock.IsNegative() {
		return fmt.Errorf("%w: negative stock", store.ErrInvalidProduct)
	}
	if p.SecondaryUnit != "" && !p.ConversionRate.IsPositive() {
		return fmt.Errorf("%w: secondary unit without conversion rate", store.ErrInvalidProduct)
	}
	if err := unit.RequireIntegral(p.SecondaryUnitStock); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidProduct, err)
	}
	return pricing.ValidateTiers(p.BulkPrices)
}

func snapshotOf(p domain.Product) *domain.StockSnapshot {
	snap := &domain.StockSnapshot{
		ProductID:          p.ID,
		PrimaryUnitStock:   p.PrimaryUnitStock,
		SecondaryUnitStock: p.SecondaryUnitStock,
		MinStockLevel:      p.MinStockLevel,
	}
	snap.FlagLowStock()
	return snap
}

func copyProduct(p domain.Product) domain.Product {
	copied := p
	copied.BulkPrices = append([]domain.BulkPrice(nil), p.BulkPrices...)
	return copied
}

func copyTransaction(tx domain.Transaction) domain.Transaction {
	copied := tx
	copied.Items = append([]domain.TransactionLine(nil), tx.Items...)
	if tx.VoidedAt != nil {
		at := *tx.VoidedAt
		copied.VoidedAt = &at
	}
	return copied
}
