package botstate

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// BalancePosition is one holding as reported by the broker: quantity and
// cost basis only, never attribution.
type BalancePosition struct {
	Qty      int64
	AvgPrice decimal.Decimal
}

// Balance is the broker's authoritative account snapshot, keyed by
// instrument code.
type Balance map[string]BalancePosition

// RebalanceSet is the set of codes targeted by today's rebalance run, empty
// when none is scheduled.
type RebalanceSet map[string]struct{}

// NewRebalanceSet builds a rebalance target set from instrument codes.
func NewRebalanceSet(codes ...string) RebalanceSet {
	set := make(RebalanceSet, len(codes))
	for _, c := range codes {
		set[NormalizeCode(c)] = struct{}{}
	}
	return set
}

// Contains reports whether code is a rebalance target.
func (r RebalanceSet) Contains(code string) bool {
	_, ok := r[NormalizeCode(code)]
	return ok
}

// Recovery source names, in decreasing order of confidence. The priority is
// fixed: the ledger beats the rebalance bucket beats the manual fallback.
const (
	SourceLedger    = "ledger"
	SourceRebalance = "rebalance"
	SourceManual    = "manual"
)

// ReconcileReport summarises one reconciliation cycle for diagnostics and
// the snapshot manifest.
type ReconcileReport struct {
	Created  []string // "code:sid" of lots created by attribution recovery
	Removed  []string // codes whose lots were dropped, holding gone from the broker
	Updated  []string // codes whose qty or cost basis was aligned to the broker
	Warnings []string // malformed balance rows and degraded recovery signals
	// RecoveryStats counts created lots by recovery source.
	RecoveryStats map[string]int
}

func newReconcileReport() *ReconcileReport {
	return &ReconcileReport{RecoveryStats: make(map[string]int)}
}

func (r *ReconcileReport) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	log.Printf("reconcile-warning %s", msg)
}

// Reconcile merges the broker's authoritative balance into the position
// store. After it returns, the store's set of codes with qty > 0 exactly
// equals the balance's, and every lot carries a resolved, explicit
// attribution. The algorithm is single threaded and deterministic; it runs
// to completion and mutates the store in place (the caller persists either
// the full result or nothing, see Transport).
//
// A nil or failed balance must never reach this function: a broker failure
// aborts the whole cycle upstream (ErrSourceUnavailable), it does not mean
// "the account is empty".
func Reconcile(store *PositionStore, bal Balance, targets RebalanceSet, ledger *Ledger, now time.Time) *ReconcileReport {
	report := newReconcileReport()

	// Normalize the balance first. Malformed rows are warnings, and their
	// codes are excluded from the cycle entirely so a bad row can neither
	// create nor delete local state.
	held := make(map[string]BalancePosition)
	skip := make(map[string]bool)
	for rawCode, p := range bal {
		code := NormalizeCode(rawCode)
		switch {
		case p.Qty < 0:
			report.warnf("balance code=%s negative qty=%d, skipped", code, p.Qty)
			skip[code] = true
		case p.Qty > 0 && !p.AvgPrice.IsPositive():
			report.warnf("balance code=%s non-positive avg_price=%s, skipped", code, p.AvgPrice)
			skip[code] = true
		case p.Qty > 0:
			held[code] = p
		}
		// qty == 0 is a valid "not held" row and falls through to removal.
	}

	heldCodes := make([]string, 0, len(held))
	for code := range held {
		heldCodes = append(heldCodes, code)
	}
	slices.Sort(heldCodes)

	// Step 1: holdings the store does not track yet get a recovered lot.
	for _, code := range heldCodes {
		p := held[code]
		if store.TotalQty(code) > 0 {
			continue
		}
		sid, engine, source := recoverAttribution(ledger, code, targets, now, report)
		lot := &Lot{
			Code:          code,
			SID:           sid,
			Engine:        engine,
			Qty:           p.Qty,
			AvgPrice:      p.AvgPrice,
			EntryTS:       now,
			HighWatermark: p.AvgPrice,
			Flags:         make(map[string]any),
			LastUpdateTS:  now,
		}
		if err := store.Set(lot); err != nil {
			// Unreachable with a validated balance row; surface it anyway.
			report.warnf("balance code=%s rejected lot: %v", code, err)
			continue
		}
		report.RecoveryStats[source]++
		report.Created = append(report.Created, code+":"+sid.String())
		store.remember(code, p.AvgPrice, sid, now)
		log.Printf("reconcile-recover code=%s sid=%s source=%s qty=%d", code, sid, source, p.Qty)
	}

	// Step 2: local lots whose holding the broker no longer reports are
	// deleted, the position was closed outside the bot's tracking.
	for _, code := range store.Codes() {
		if skip[code] {
			continue
		}
		if _, ok := held[code]; ok {
			continue
		}
		for _, l := range store.LotsFor(code) {
			store.Delete(l.Code, l.SID)
		}
		store.Memory.forget(code)
		report.Removed = append(report.Removed, code)
		log.Printf("reconcile-drop code=%s reason=gone-from-broker", code)
	}

	// Step 3: both sides hold the code, the broker wins on quantity and
	// cost basis while attribution, entry time, watermark and flags are
	// preserved.
	for _, code := range heldCodes {
		p := held[code]
		if changed := alignHolding(store, code, p, targets, ledger, now, report); changed {
			report.Updated = append(report.Updated, code)
			store.remember(code, p.AvgPrice, dominantSID(store, code), now)
		}
	}

	store.UpdatedAt = now
	return report
}

// recoverAttribution resolves the owner of an untracked holding in strict
// priority order: latest ledger BUY, then today's rebalance bucket, then the
// MANUAL fallback. The order encodes decreasing confidence and must not be
// reordered.
func recoverAttribution(ledger *Ledger, code string, targets RebalanceSet, now time.Time, report *ReconcileReport) (Attribution, string, string) {
	if ledger != nil {
		entry, err := ledger.FindLatestBuy(code)
		switch {
		case err == nil:
			sid, perr := ParseAttribution(entry.StrategyID)
			if perr != nil {
				report.warnf("ledger code=%s unusable strategy_id %q, falling back", code, entry.StrategyID)
			} else {
				engine := EngineDefault
				if v, ok := entry.Meta[MetaEngine].(string); ok && v != "" {
					engine = v
				}
				return sid, engine, SourceLedger
			}
		case !errors.Is(err, ErrNotFound):
			report.warnf("ledger code=%s lookup failed: %v", code, err)
		}
	}
	if targets.Contains(code) {
		return RebalanceBucket(now), EngineRebalance, SourceRebalance
	}
	return Manual, EngineManual, SourceManual
}

// alignHolding reconciles the lots of one code against the broker's
// aggregate quantity and reports whether anything changed.
//
// With a single lot the broker's qty and avg price are taken directly. With
// several (code, sid) lots the broker only reports the per-code aggregate,
// so a deficit is recovered as an additional attributed lot and an excess is
// trimmed newest-entry first; per-lot average prices are left alone because
// the broker's figure is an aggregate over all of them.
func alignHolding(store *PositionStore, code string, p BalancePosition, targets RebalanceSet, ledger *Ledger, now time.Time, report *ReconcileReport) bool {
	lots := store.LotsFor(code)
	if len(lots) == 0 {
		return false // freshly created in step 1
	}

	if len(lots) == 1 {
		l := lots[0]
		if l.Qty == p.Qty && l.AvgPrice.Equal(p.AvgPrice) {
			return false
		}
		l.Qty = p.Qty
		l.AvgPrice = p.AvgPrice
		l.LastUpdateTS = now
		return true
	}

	total := store.TotalQty(code)
	switch {
	case total == p.Qty:
		return false
	case total < p.Qty:
		diff := p.Qty - total
		sid, engine, source := recoverAttribution(ledger, code, targets, now, report)
		if l, ok := store.Get(code, sid); ok {
			l.Qty += diff
			l.LastUpdateTS = now
		} else {
			lot := &Lot{
				Code:          code,
				SID:           sid,
				Engine:        engine,
				Qty:           diff,
				AvgPrice:      p.AvgPrice,
				EntryTS:       now,
				HighWatermark: p.AvgPrice,
				Flags:         make(map[string]any),
				LastUpdateTS:  now,
			}
			if err := store.Set(lot); err != nil {
				report.warnf("balance code=%s rejected recovered lot: %v", code, err)
				return false
			}
			report.RecoveryStats[source]++
			report.Created = append(report.Created, code+":"+sid.String())
		}
		return true
	default: // total > p.Qty
		excess := total - p.Qty
		for i := len(lots) - 1; i >= 0 && excess > 0; i-- {
			l := lots[i]
			delta := min(l.Qty, excess)
			l.Qty -= delta
			excess -= delta
			l.LastUpdateTS = now
			if l.Qty == 0 {
				store.Delete(l.Code, l.SID)
			}
		}
		return true
	}
}

// dominantSID returns the attribution holding the largest share of a code,
// used for the memory.last_strategy_id hint.
func dominantSID(store *PositionStore, code string) Attribution {
	var best *Lot
	for _, l := range store.LotsFor(code) {
		if best == nil || l.Qty > best.Qty {
			best = l
		}
	}
	if best == nil {
		return Attribution{}
	}
	return best.SID
}
