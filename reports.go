package botstate

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// krw renders an amount as Korean won for human readers. KRW has no minor
// unit, sub-won precision only exists inside computations.
func krw(d decimal.Decimal) string {
	return money.New(d.Round(0).IntPart(), money.KRW).Display()
}

// PositionsMarkdown renders the position store as a markdown report, one row
// per lot in the store's deterministic order.
func PositionsMarkdown(s *PositionStore) string {
	var sb strings.Builder
	sb.WriteString("# Positions\n\n")
	if s.Len() == 0 {
		sb.WriteString("No open positions.\n")
		return sb.String()
	}
	sb.WriteString("| Code | Strategy | Engine | Qty | Avg Price | Cost Basis | Watermark |\n")
	sb.WriteString("|------|----------|--------|----:|----------:|-----------:|----------:|\n")
	var total decimal.Decimal
	for l := range s.Lots() {
		fmt.Fprintf(&sb, "| %s | %s | %s | %d | %s | %s | %s |\n",
			l.Code, l.SID, l.Engine, l.Qty, krw(l.AvgPrice), krw(l.CostBasis()), krw(l.HighWatermark))
		total = total.Add(l.CostBasis())
	}
	fmt.Fprintf(&sb, "\nTotal cost basis: **%s** across %d lots.\n", krw(total), s.Len())
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "\nLast reconciled %s.\n", s.UpdatedAt.Format(TimestampFormat))
	}
	return sb.String()
}

// ReconcileMarkdown renders one reconciliation report.
func ReconcileMarkdown(r *ReconcileReport) string {
	var sb strings.Builder
	sb.WriteString("# Reconciliation\n\n")
	if len(r.Created)+len(r.Removed)+len(r.Updated)+len(r.Warnings) == 0 {
		sb.WriteString("Store already matched the broker, nothing to do.\n")
		return sb.String()
	}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "## %s\n\n", title)
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s\n", it)
		}
		sb.WriteString("\n")
	}
	section("Created", r.Created)
	section("Removed", r.Removed)
	section("Updated", r.Updated)
	section("Warnings", r.Warnings)
	if len(r.RecoveryStats) > 0 {
		sb.WriteString("## Attribution recovery\n\n")
		for _, source := range []string{SourceLedger, SourceRebalance, SourceManual} {
			if n := r.RecoveryStats[source]; n > 0 {
				fmt.Fprintf(&sb, "- %s: %d\n", source, n)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// IntentsMarkdown renders the intent log with its cursor position, pending
// intents marked.
func IntentsMarkdown(il *IntentLog) string {
	var sb strings.Builder
	sb.WriteString("# Intents\n\n")
	if il.Len() == 0 {
		sb.WriteString("Intent log is empty.\n")
		return sb.String()
	}
	pending := make(map[string]bool)
	for in := range il.Pending() {
		pending[in.IntentID] = true
	}
	sb.WriteString("| | ID | Time | Strategy | Code | Side | Qty | Rationale |\n")
	sb.WriteString("|-|----|------|----------|------|------|----:|-----------|\n")
	for in := range il.All() {
		mark := ""
		if pending[in.IntentID] {
			mark = "●"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s | %d | %s |\n",
			mark, in.IntentID, in.TS.Format(TimestampFormat), in.StrategyID, in.Code, in.Side, in.QtyHint, in.Rationale)
	}
	fmt.Fprintf(&sb, "\n%d intents, %d pending (●), cursor at byte %d.\n",
		il.Len(), len(pending), il.Cursor().Offset)
	return sb.String()
}

// ManifestMarkdown renders a snapshot manifest.
func ManifestMarkdown(m *Manifest) string {
	if m == nil {
		return "# Snapshot\n\nNo manifest yet, the snapshot has never been persisted.\n"
	}
	var sb strings.Builder
	sb.WriteString("# Snapshot\n\n")
	fmt.Fprintf(&sb, "- Updated: %s\n", m.UpdatedAt.Format(TimestampFormat))
	fmt.Fprintf(&sb, "- Run: %s\n", m.RunID)
	if m.CommitSHA != "" {
		fmt.Fprintf(&sb, "- Parent revision: %s\n", m.CommitSHA)
	}
	for _, k := range []string{"lots", "manual_lots", "ledger_entries", "intents", "pending_intents"} {
		if n, ok := m.Counts[k]; ok {
			fmt.Fprintf(&sb, "- %s: %d\n", strings.ReplaceAll(k, "_", " "), n)
		}
	}
	return sb.String()
}
