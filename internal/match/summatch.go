package match

import (
	"context"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// SumItem is one item considered by the combination search.
type SumItem struct {
	ID     string
	Amount decimal.Decimal
}

// sumMatchReceipt searches for a combination of transactions whose amounts
// sum to the receipt total. One receipt covering several charges (split
// tender, installments) is the common case.
func (e *Engine) sumMatchReceipt(ctx context.Context, r *domain.Receipt, pool []*domain.Transaction) (*Outcome, error) {
	items := make([]SumItem, len(pool))
	for i, tx := range pool {
		items[i] = SumItem{ID: tx.ID, Amount: tx.EffectiveAmount().Abs()}
	}

	chosen := e.FindSum(r.TotalAmount.Abs(), items)
	if chosen == nil {
		return &Outcome{Action: ActionNone}, nil
	}

	out := &Outcome{Action: ActionSumLinked}
	for _, c := range chosen {
		amt := c.Amount
		link := &domain.Link{
			SourceType: domain.EntityReceipt, SourceID: r.ID,
			TargetType: domain.EntityTransaction, TargetID: c.ID,
			LinkType:         domain.LinkReceiptMatch,
			AttributedAmount: &amt,
			CreatedBy:        domain.CreatedByAuto,
			ConfidenceScore:  1,
		}
		if _, err := e.svc.CreateLink(ctx, link, "matcher"); err != nil {
			return nil, err
		}
		out.Links = append(out.Links, link)
	}
	e.log.Info().
		Str("receipt_id", r.ID).
		Int("parts", len(chosen)).
		Msg("sum-matched receipt")
	return out, nil
}

// FindSum searches combinations of 2..MaxCombinationSize items whose sum
// lands within tolerance of the target. The search is bounded by
// MaxCombinations evaluated subsets and short-circuits on an exact sum.
// The item order is the caller's (already deterministic), so the chosen
// subset is deterministic too. Statement reconciliation reuses this for
// split postings.
func (e *Engine) FindSum(target decimal.Decimal, items []SumItem) []SumItem {
	if target.IsZero() || len(items) < 2 {
		return nil
	}
	tolerance := e.cfg.AmountToleranceFor(target)

	var (
		best     []SumItem
		bestDiff decimal.Decimal
		tried    int
		exact    bool
	)

	var walk func(start int, current []SumItem, sum decimal.Decimal)
	walk = func(start int, current []SumItem, sum decimal.Decimal) {
		if exact || tried >= e.cfg.MaxCombinations {
			return
		}
		for i := start; i < len(items); i++ {
			next := sum.Add(items[i].Amount)
			if next.Sub(target).GreaterThan(tolerance) {
				// Overshot beyond tolerance; deeper subsets only grow.
				continue
			}
			current = append(current, items[i])
			tried++

			diff := next.Sub(target).Abs()
			if len(current) >= 2 && diff.LessThanOrEqual(tolerance) {
				if best == nil || diff.LessThan(bestDiff) {
					best = append([]SumItem(nil), current...)
					bestDiff = diff
					if diff.IsZero() {
						exact = true
					}
				}
			}
			if !exact && len(current) < e.cfg.MaxCombinationSize && tried < e.cfg.MaxCombinations {
				walk(i+1, current, next)
			}
			current = current[:len(current)-1]
			if exact || tried >= e.cfg.MaxCombinations {
				return
			}
		}
	}
	walk(0, nil, decimal.Zero)
	return best
}
