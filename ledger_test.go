package botstate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLedger_AppendValidation(t *testing.T) {
	ts := at(t, "2025-08-29T09:05:00+09:00")
	testCases := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{
			name:  "valid buy",
			entry: Entry{Timestamp: ts, Code: "005930", StrategyID: "momentum", Side: Buy, Qty: 10, Price: d("71000")},
		},
		{
			name:  "short code is normalized",
			entry: Entry{Timestamp: ts, Code: "5930", StrategyID: "momentum", Side: Buy, Qty: 10, Price: d("71000")},
		},
		{
			name:    "zero qty",
			entry:   Entry{Timestamp: ts, Code: "005930", StrategyID: "momentum", Side: Buy, Qty: 0, Price: d("71000")},
			wantErr: true,
		},
		{
			name:    "negative price",
			entry:   Entry{Timestamp: ts, Code: "005930", StrategyID: "momentum", Side: Sell, Qty: 1, Price: d("-5")},
			wantErr: true,
		},
		{
			name:    "bad side",
			entry:   Entry{Timestamp: ts, Code: "005930", StrategyID: "momentum", Side: "HOLD", Qty: 1, Price: d("71000")},
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			entry:   Entry{Code: "005930", StrategyID: "momentum", Side: Buy, Qty: 1, Price: d("71000")},
			wantErr: true,
		},
		{
			name:    "non numeric code",
			entry:   Entry{Timestamp: ts, Code: "SAMSUNG", StrategyID: "momentum", Side: Buy, Qty: 1, Price: d("71000")},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLedger()
			err := l.Append(tc.entry)
			if tc.wantErr {
				if err == nil {
					t.Fatal("Append() succeeded, want error")
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("Append() error %v is not a ValidationError", err)
				}
				if l.Len() != 0 {
					t.Error("rejected entry was appended anyway")
				}
				return
			}
			if err != nil {
				t.Fatalf("Append(): %v", err)
			}
			if l.Len() != 1 {
				t.Fatalf("Len() = %d, want 1", l.Len())
			}
		})
	}
}

func TestLedger_FindLatestBuy(t *testing.T) {
	l := NewLedger()
	buy(t, l, at(t, "2025-08-01T10:00:00+09:00"), "005930", "momentum", 10, "70000", "trader")
	buy(t, l, at(t, "2025-08-20T10:00:00+09:00"), "005930", "meanrev", 5, "71000", "trader")
	buy(t, l, at(t, "2025-08-10T10:00:00+09:00"), "035420", "momentum", 3, "180000", "")
	if err := l.Append(Entry{Timestamp: at(t, "2025-08-25T10:00:00+09:00"), Code: "005930", StrategyID: "meanrev", Side: Sell, Qty: 5, Price: d("72000")}); err != nil {
		t.Fatal(err)
	}

	e, err := l.FindLatestBuy("005930")
	if err != nil {
		t.Fatalf("FindLatestBuy(005930): %v", err)
	}
	if e.StrategyID != "meanrev" || !e.Price.Equal(d("71000")) {
		t.Errorf("FindLatestBuy(005930) = %+v, want the 2025-08-20 meanrev buy", e)
	}

	// Codes are normalized before lookup.
	if _, err := l.FindLatestBuy("35420"); err != nil {
		t.Errorf("FindLatestBuy(35420): %v", err)
	}

	if _, err := l.FindLatestBuy("000660"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindLatestBuy(000660) err = %v, want ErrNotFound", err)
	}
}

func TestLedger_FindLatestBuy_TimestampTie(t *testing.T) {
	l := NewLedger()
	ts := at(t, "2025-08-20T10:00:00+09:00")
	buy(t, l, ts, "005930", "first", 1, "70000", "")
	buy(t, l, ts, "005930", "second", 1, "70000", "")

	e, err := l.FindLatestBuy("005930")
	if err != nil {
		t.Fatal(err)
	}
	if e.StrategyID != "second" {
		t.Errorf("tie broken toward %q, want the later appended entry", e.StrategyID)
	}
}

func TestOpenLedger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger(): %v", err)
	}
	buy(t, l, at(t, "2025-08-29T09:05:00+09:00"), "005930", "momentum", 10, "71000", "trader")
	buy(t, l, at(t, "2025-08-29T09:06:00+09:00"), "035420", "meanrev", 2, "180000", "")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Len() != 2 {
		t.Fatalf("reopened Len() = %d, want 2", reopened.Len())
	}
	e, err := reopened.FindLatestBuy("005930")
	if err != nil {
		t.Fatal(err)
	}
	if engine, _ := e.Meta[MetaEngine].(string); engine != "trader" {
		t.Errorf("meta engine = %q, want trader", engine)
	}
}

func TestDecodeLedger_SkipsCorruptLines(t *testing.T) {
	raw := `{"timestamp":"2025-08-29T09:05:00+09:00","code":"005930","strategy_id":"momentum","side":"BUY","qty":10,"price":"71000"}
not json at all
{"timestamp":"2025-08-29T09:06:00+09:00","code":"035420","strategy_id":"meanrev","side":"SELL","qty":2,"price":"180000"}
`
	l, err := DecodeLedger(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeLedger(): %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want 2 with the corrupt line skipped", l.Len())
	}
}

func TestEncodeLedger_ByteStable(t *testing.T) {
	l := NewLedger()
	buy(t, l, at(t, "2025-08-29T09:05:00+09:00"), "005930", "momentum", 10, "71000", "trader")

	var first bytes.Buffer
	if err := EncodeLedger(&first, l); err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeLedger(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	var second bytes.Buffer
	if err := EncodeLedger(&second, decoded); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Errorf("decode/encode round trip changed bytes:\n%s\nvs\n%s", first.Bytes(), second.Bytes())
	}
}

func TestNormalizeCode(t *testing.T) {
	testCases := []struct{ in, want string }{
		{"005930", "005930"},
		{"5930", "005930"},
		{" 660 ", "000660"},
		{"", ""},
	}
	for _, tc := range testCases {
		if got := NormalizeCode(tc.in); got != tc.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenLedger_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("ledger file not created: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("fresh ledger Len() = %d", l.Len())
	}
}
