// Package postgres implements the Repository over PostgreSQL. All
// counter and stock mutations are single conditional statements or SQL
// transactions so the atomicity guarantees live at the storage layer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/pricing"
	"gudangpos/backend/internal/store"
	"gudangpos/backend/internal/unit"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ReserveNext(ctx context.Context, prefix string) (int64, error) {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (prefix, seq, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (prefix)
		DO UPDATE SET seq = counters.seq + 1, updated_at = now()
		RETURNING seq
	`, prefix).Scan(&seq)
	if err != nil {
		return 0, counterErr(err)
	}
	return seq, nil
}

func (s *Store) SetFloor(ctx context.Context, prefix string, seq int64) error {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}
	if seq < 0 {
		return fmt.Errorf("negative floor %d for %s", seq, prefix)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (prefix, seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (prefix)
		DO UPDATE SET seq = GREATEST(counters.seq, EXCLUDED.seq), updated_at = now()
	`, prefix, seq)
	if err != nil {
		return counterErr(err)
	}
	return nil
}

func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prefix, seq FROM counters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, 16)
	for rows.Next() {
		var prefix string
		var seq int64
		if err := rows.Scan(&prefix, &seq); err != nil {
			return nil, err
		}
		out[prefix] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MaxUsedSequences(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT left(number, 7), MAX(CAST(right(number, 4) AS BIGINT))
		FROM transactions
		WHERE number ~ '^[A-Z]{3}[0-9]{8}$'
		GROUP BY left(number, 7)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, 16)
	for rows.Next() {
		var prefix string
		var seq int64
		if err := rows.Scan(&prefix, &seq); err != nil {
			return nil, err
		}
		out[prefix] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := s.GetProducts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	product, ok := products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, primary_unit, secondary_unit, conversion_rate,
		       primary_unit_price, secondary_unit_price,
		       primary_unit_stock, secondary_unit_stock, min_stock_level
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tierRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM bulk_prices
		WHERE product_id = ANY($1)
		ORDER BY product_id, quantity
	`, ids)
	if err != nil {
		return nil, err
	}
	defer tierRows.Close()

	for tierRows.Next() {
		var productID string
		var tier domain.BulkPrice
		if err := tierRows.Scan(&productID, &tier.Quantity, &tier.Price); err != nil {
			return nil, err
		}
		p, ok := result[productID]
		if !ok {
			continue
		}
		p.BulkPrices = append(p.BulkPrices, tier)
		result[productID] = p
	}
	if err := tierRows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (
			id, name, category, primary_unit, secondary_unit, conversion_rate,
			primary_unit_price, secondary_unit_price,
			primary_unit_stock, secondary_unit_stock, min_stock_level,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
	`, product.ID, product.Name, product.Category, product.PrimaryUnit,
		nullIfEmpty(product.SecondaryUnit), nullDecimal(product.ConversionRate),
		product.PrimaryUnitPrice, product.SecondaryUnitPrice,
		product.PrimaryUnitStock, product.SecondaryUnitStock, product.MinStockLevel)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: duplicate id %s", store.ErrInvalidProduct, product.ID)
		}
		return nil, err
	}

	if err := insertTiers(ctx, tx, product.ID, product.BulkPrices); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, primary_unit = $4, secondary_unit = $5,
		    conversion_rate = $6, primary_unit_price = $7, secondary_unit_price = $8,
		    primary_unit_stock = $9, secondary_unit_stock = $10, min_stock_level = $11,
		    updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PrimaryUnit,
		nullIfEmpty(product.SecondaryUnit), nullDecimal(product.ConversionRate),
		product.PrimaryUnitPrice, product.SecondaryUnitPrice,
		product.PrimaryUnitStock, product.SecondaryUnitStock, product.MinStockLevel)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bulk_prices WHERE product_id = $1`, product.ID); err != nil {
		return nil, err
	}
	if err := insertTiers(ctx, tx, product.ID, product.BulkPrices); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	updated := product
	return &updated, nil
}

func (s *Store) ApplyStockDelta(ctx context.Context, productID string, u domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error) {
	snap, err := applyDelta(ctx, s.db, productID, u, delta)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) BreakPrimaryUnit(ctx context.Context, productID string, qty decimal.Decimal) (*domain.StockSnapshot, error) {
	snap := &domain.StockSnapshot{ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET primary_unit_stock = primary_unit_stock - $2,
		    secondary_unit_stock = secondary_unit_stock + ($2 * conversion_rate),
		    updated_at = now()
		WHERE id = $1
		  AND secondary_unit IS NOT NULL
		  AND conversion_rate > 0
		  AND primary_unit_stock >= $2
		RETURNING primary_unit_stock, secondary_unit_stock, min_stock_level
	`, productID, qty).Scan(&snap.PrimaryUnitStock, &snap.SecondaryUnitStock, &snap.MinStockLevel)
	if err == nil {
		snap.FlagLowStock()
		return snap, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.HasSecondaryUnit() {
		return nil, fmt.Errorf("%w: product %s has no secondary unit", unit.ErrUnsupportedConversion, productID)
	}
	return nil, fmt.Errorf("%w: product %s primary stock %s, break %s", store.ErrInsufficientStock, productID, product.PrimaryUnitStock, qty)
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.Number == "" || len(tx.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction needs a number and items", store.ErrInvalidProduct)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (number, doc_type, client_ref, status, fallback, total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tx.Number, string(tx.DocType), nullIfEmpty(tx.ClientRef), tx.Status, tx.Fallback, tx.Total, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("duplicate transaction number %s", tx.Number)
		}
		return nil, err
	}

	for lineNo, item := range tx.Items {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line_no, product_id, unit, qty, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, tx.Number, lineNo, item.ProductID, item.Unit.String(), item.Qty, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := tx
	return &created, nil
}

func (s *Store) GetTransactionByNumber(ctx context.Context, number string) (*domain.Transaction, error) {
	var tx domain.Transaction
	var docType string
	var clientRef sql.NullString
	var voidReason sql.NullString
	var voidedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT number, doc_type, client_ref, status, fallback, total, void_reason, voided_at, created_at
		FROM transactions
		WHERE number = $1
	`, number).Scan(&tx.Number, &docType, &clientRef, &tx.Status, &tx.Fallback, &tx.Total, &voidReason, &voidedAt, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.DocType = domain.DocType(docType)
	tx.ClientRef = clientRef.String
	tx.VoidReason = voidReason.String
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		tx.VoidedAt = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	items, err := s.transactionItems(ctx, number)
	if err != nil {
		return nil, err
	}
	tx.Items = items
	return &tx, nil
}

func (s *Store) VoidTransaction(ctx context.Context, number string, reason string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var docType string
	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT doc_type, status
		FROM transactions
		WHERE number = $1
		FOR UPDATE
	`, number).Scan(&docType, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: %s", store.ErrAlreadyVoided, number)
	}

	items, err := s.transactionItems(ctx, number)
	if err != nil {
		return nil, err
	}

	// Reverse the original movements inside the same SQL transaction; a
	// failed reversal rolls everything back, so stock is never partially
	// restored.
	for _, item := range items {
		delta := item.Qty
		if domain.DocType(docType) == domain.DocTypeReceipt {
			delta = delta.Neg()
		}
		if _, err := applyDelta(ctx, pgTx, item.ProductID, item.Unit, delta); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE number = $1
	`, number, domain.TxStatusVoided, reason, at.UTC())
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTransactionByNumber(ctx, number)
}

func (s *Store) transactionItems(ctx context.Context, number string) ([]domain.TransactionLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, unit, qty, unit_price, subtotal
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no
	`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var item domain.TransactionLine
		var unitName string
		if err := rows.Scan(&item.ProductID, &unitName, &item.Qty, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		item.Unit, err = domain.ParseUnit(unitName)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// applyDelta is the single conditional stock update shared by the direct
// path and void reversal. The non-negative check and the write are one
// statement, so a raced decrement fails cleanly instead of going negative.
func applyDelta(ctx context.Context, q execQuerier, productID string, u domain.Unit, delta decimal.Decimal) (*domain.StockSnapshot, error) {
	column := "primary_unit_stock"
	if u == domain.UnitSecondary {
		column = "secondary_unit_stock"
	}

	snap := &domain.StockSnapshot{ProductID: productID}
	// column comes from the closed Unit enum, never from input.
	query := fmt.Sprintf(`
		UPDATE products
		SET %[1]s = %[1]s + $2, updated_at = now()
		WHERE id = $1 AND %[1]s + $2 >= 0
		RETURNING primary_unit_stock, secondary_unit_stock, min_stock_level
	`, column)
	err := q.QueryRowContext(ctx, query, productID, delta).Scan(&snap.PrimaryUnitStock, &snap.SecondaryUnitStock, &snap.MinStockLevel)
	if err == nil {
		snap.FlagLowStock()
		return snap, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, fmt.Errorf("%w: product %s %s delta %s", store.ErrInsufficientStock, productID, u, delta)
}

func insertTiers(ctx context.Context, tx *sql.Tx, productID string, tiers []domain.BulkPrice) error {
	for _, tier := range tiers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bulk_prices (product_id, quantity, price)
			VALUES ($1,$2,$3)
		`, productID, tier.Quantity, tier.Price)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", pricing.ErrDuplicateTier, tier.Quantity)
			}
			return err
		}
	}
	return nil
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var secondaryUnit sql.NullString
	var conversionRate decimal.NullDecimal
	var secondaryPrice decimal.NullDecimal
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.PrimaryUnit, &secondaryUnit, &conversionRate,
		&p.PrimaryUnitPrice, &secondaryPrice,
		&p.PrimaryUnitStock, &p.SecondaryUnitStock, &p.MinStockLevel)
	if err != nil {
		return domain.Product{}, err
	}
	p.SecondaryUnit = secondaryUnit.String
	if conversionRate.Valid {
		p.ConversionRate = conversionRate.Decimal
	}
	if secondaryPrice.Valid {
		p.SecondaryUnitPrice = secondaryPrice.Decimal
	}
	return p, nil
}

// counterErr classifies a failed counter statement. Context errors keep
// their identity so cancellation aborts the caller; everything else is
// storage unavailability, which the sequence generator degrades on.
func counterErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrCounterUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val decimal.Decimal) any {
	if val.IsZero() {
		return nil
	}
	return val
}
