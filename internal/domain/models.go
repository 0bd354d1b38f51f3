package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Unit is a product's packaging granularity. Every product has a primary
// unit; some also track a secondary unit (loose pieces sold out of a broken
// primary pack), related by a fixed conversion rate.
type Unit uint8

const (
	UnitPrimary Unit = iota
	UnitSecondary
)

func (u Unit) String() string {
	if u == UnitSecondary {
		return "secondary"
	}
	return "primary"
}

func ParseUnit(s string) (Unit, error) {
	switch s {
	case "primary":
		return UnitPrimary, nil
	case "secondary":
		return UnitSecondary, nil
	}
	return UnitPrimary, fmt.Errorf("unknown unit %q", s)
}

func (u Unit) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

func (u *Unit) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid unit %s", data)
	}
	parsed, err := ParseUnit(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// DocType is the document-type code embedded in a sequential number prefix.
type DocType string

const (
	DocTypeInvoice DocType = "INV"
	DocTypeReceipt DocType = "PUR"
)

// CounterPrefixPattern is the shape of a counter identity: document-type
// code plus 2-digit year and 2-digit month.
const CounterPrefixPattern = `^[A-Z]{2,4}\d{4}$`

// SequentialNumberPattern matches numbers minted from the counter space:
// prefix plus a zero-padded 4-digit sequence. Fallback references never
// match it, so resync ignores them.
const SequentialNumberPattern = `^[A-Z]{3}\d{4}\d{4}$`

var (
	CounterPrefixRe    = regexp.MustCompile(CounterPrefixPattern)
	SequentialNumberRe = regexp.MustCompile(SequentialNumberPattern)
)

// BulkPrice is one tier of quantity-based pricing on the primary unit.
// Tiers are kept sorted ascending by quantity and thresholds are unique.
type BulkPrice struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type Product struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Category           string          `json:"category"`
	PrimaryUnit        string          `json:"primary_unit"`
	SecondaryUnit      string          `json:"secondary_unit,omitempty"`
	ConversionRate     decimal.Decimal `json:"conversion_rate"`
	PrimaryUnitPrice   decimal.Decimal `json:"primary_unit_price"`
	SecondaryUnitPrice decimal.Decimal `json:"secondary_unit_price"`
	PrimaryUnitStock   decimal.Decimal `json:"primary_unit_stock"`
	SecondaryUnitStock decimal.Decimal `json:"secondary_unit_stock"`
	MinStockLevel      decimal.Decimal `json:"min_stock_level"`
	BulkPrices         []BulkPrice     `json:"bulk_prices,omitempty"`
}

// HasSecondaryUnit reports whether the product tracks loose secondary
// units. The conversion rate is how many secondary units one primary unit
// breaks into.
func (p Product) HasSecondaryUnit() bool {
	return p.SecondaryUnit != "" && p.ConversionRate.IsPositive()
}

// StockOf returns the on-hand quantity for the addressed unit. Secondary
// stock is an independent loose-units counter; it is not bounded by the
// conversion rate.
func (p Product) StockOf(u Unit) decimal.Decimal {
	if u == UnitSecondary {
		return p.SecondaryUnitStock
	}
	return p.PrimaryUnitStock
}

// StockSnapshot is the state of a product's stock after a committed
// movement. LowStock is a surfaced condition, not a notification.
type StockSnapshot struct {
	ProductID          string          `json:"product_id"`
	PrimaryUnitStock   decimal.Decimal `json:"primary_unit_stock"`
	SecondaryUnitStock decimal.Decimal `json:"secondary_unit_stock"`
	MinStockLevel      decimal.Decimal `json:"min_stock_level"`
	LowStock           bool            `json:"low_stock"`
}

// FlagLowStock recomputes the low-stock condition. The threshold is
// defined in primary units.
func (s *StockSnapshot) FlagLowStock() {
	s.LowStock = s.PrimaryUnitStock.Cmp(s.MinStockLevel) <= 0
}

// Counter is the persisted last-issued sequence for one prefix. Counters
// are created lazily and never deleted.
type Counter struct {
	Prefix string `json:"prefix"`
	Seq    int64  `json:"seq"`
}

type TransactionLine struct {
	ProductID string          `json:"product_id"`
	Unit      Unit            `json:"unit"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Transaction is the durable artifact of a committed sale or restock. Its
// number is assigned once and never reused, even after a void.
type Transaction struct {
	Number     string            `json:"number"`
	DocType    DocType           `json:"doc_type"`
	ClientRef  string            `json:"client_ref,omitempty"`
	Status     string            `json:"status"`
	Fallback   bool              `json:"fallback"`
	Total      decimal.Decimal   `json:"total"`
	VoidReason string            `json:"void_reason,omitempty"`
	VoidedAt   *time.Time        `json:"voided_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Items      []TransactionLine `json:"items"`
}

const (
	TxStatusCommitted = "committed"
	TxStatusVoided    = "voided"
)
