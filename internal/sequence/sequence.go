// Package sequence mints human-readable document numbers from per-prefix
// counters and repairs counter state after out-of-band data changes.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/store"
)

// Number is a reserved document number. Fallback marks a randomized
// reference issued while the counter store was unreachable; such numbers
// are probabilistically unique, never sequential, and never folded back
// into the counter space.
type Number struct {
	Value    string
	Fallback bool
}

type Generator struct {
	counters store.CounterStore
	log      *zap.Logger
}

func NewGenerator(counters store.CounterStore, log *zap.Logger) *Generator {
	return &Generator{counters: counters, log: log}
}

// Prefix builds the counter identity for a document type and instant:
// code + 2-digit year + 2-digit month, e.g. INV2509 for Sep 2025.
func Prefix(docType domain.DocType, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%02d%02d", docType, at.Year()%100, int(at.Month()))
}

// Next reserves the next number for docType in the period of at. When the
// counter store is unreachable the generator degrades to a randomized
// reference instead of failing the transaction; the degraded reservation
// is logged and the result is tagged Fallback. Only storage unavailability
// degrades; cancellation and invalid-input errors propagate so the caller
// aborts instead of committing for a request that gave up.
func (g *Generator) Next(ctx context.Context, docType domain.DocType, at time.Time) (Number, error) {
	prefix := Prefix(docType, at)

	seq, err := g.counters.ReserveNext(ctx, prefix)
	if err != nil {
		if !errors.Is(err, store.ErrCounterUnavailable) {
			return Number{}, fmt.Errorf("reserve %s: %w", prefix, err)
		}
		g.log.Warn("counter store unavailable, issuing fallback reference",
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return Number{Value: fallbackNumber(prefix, at), Fallback: true}, nil
	}

	return Number{Value: fmt.Sprintf("%s%04d", prefix, seq)}, nil
}

// fallbackNumber is prefix + timestamp suffix + random token. The dashes
// keep it out of the sequential pattern, so resync never counts it.
func fallbackNumber(prefix string, at time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, at.UTC().UnixMilli(), token)
}

// Conflict records one prefix whose stored counter was behind an already
// persisted number. Resolved by raising the counter; existing documents
// are never renumbered.
type Conflict struct {
	Prefix  string
	Counter int64
	MaxUsed int64
}

// Resync derives the highest used sequence per prefix from persisted
// transaction numbers and raises any stale counter to at least that value.
// Run it after manual imports or restores that bypassed the engine.
func Resync(ctx context.Context, repo store.Repository, log *zap.Logger) ([]Conflict, error) {
	counters, err := repo.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	maxUsed, err := repo.MaxUsedSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan used sequences: %w", err)
	}

	conflicts := make([]Conflict, 0, 4)
	for prefix, used := range maxUsed {
		if counters[prefix] >= used {
			continue
		}
		if err := repo.SetFloor(ctx, prefix, used); err != nil {
			return conflicts, fmt.Errorf("raise counter %s: %w", prefix, err)
		}
		conflicts = append(conflicts, Conflict{Prefix: prefix, Counter: counters[prefix], MaxUsed: used})
		log.Warn("sequence conflict repaired",
			zap.String("prefix", prefix),
			zap.Int64("counter", counters[prefix]),
			zap.Int64("max_used", used),
		)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Prefix < conflicts[j].Prefix })
	return conflicts, nil
}
