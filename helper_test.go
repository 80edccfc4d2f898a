package botstate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test shorthand for decimal literals.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// at parses an RFC3339 timestamp or fails the test.
func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts
}

// sid builds a strategy attribution or fails the test.
func sid(t *testing.T, id string) Attribution {
	t.Helper()
	a, err := StrategyID(id)
	if err != nil {
		t.Fatalf("bad test strategy id %q: %v", id, err)
	}
	return a
}

// buy appends a BUY entry or fails the test.
func buy(t *testing.T, l *Ledger, ts time.Time, code, strategy string, qty int64, price string, engine string) {
	t.Helper()
	e := Entry{Timestamp: ts, Code: code, StrategyID: strategy, Side: Buy, Qty: qty, Price: d(price)}
	if engine != "" {
		e.Meta = map[string]any{MetaEngine: engine}
	}
	if err := l.Append(e); err != nil {
		t.Fatalf("append BUY %s: %v", code, err)
	}
}

// lot builds a valid lot for test stores.
func lot(t *testing.T, code, strategy string, qty int64, avg string, entry time.Time) *Lot {
	t.Helper()
	return &Lot{
		Code:          code,
		SID:           sid(t, strategy),
		Engine:        EngineDefault,
		Qty:           qty,
		AvgPrice:      d(avg),
		EntryTS:       entry,
		HighWatermark: d(avg),
		LastUpdateTS:  entry,
	}
}
