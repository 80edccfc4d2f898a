package botstate

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide parses the persisted form of a fill direction.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", invalidf("side", "%q is not BUY or SELL", s)
	}
}

// codeRx is the 6 digit instrument code format of the exchange.
var codeRx = regexp.MustCompile(`^[0-9]{6}$`)

// NormalizeCode left-pads a numeric instrument code to the canonical 6 digit
// form. KIS responses drop leading zeroes on some endpoints.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

// Entry is a single confirmed fill recorded in the ledger. Entries are
// immutable once appended; ordering is append order. Timestamps come from
// wall clocks and are not guaranteed monotonic, consumers sort explicitly
// when recency matters.
type Entry struct {
	Timestamp  time.Time
	Code       string
	StrategyID string
	Side       Side
	Qty        int64
	Price      decimal.Decimal
	Meta       map[string]any
}

// MetaEngine is the ledger meta key carrying the originating execution path
// of a fill, adopted during attribution recovery.
const MetaEngine = "engine"

// MarshalJSON implements the json.Marshaler interface for Entry. The field
// order is fixed so the persisted ledger is byte-stable.
func (e Entry) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("timestamp", e.Timestamp.Format(TimestampFormat))
	w.Append("code", e.Code)
	w.Append("strategy_id", e.StrategyID)
	w.Append("side", e.Side)
	w.Append("qty", e.Qty)
	w.Append("price", e.Price)
	w.Optional("meta", e.Meta)
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Entry.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var temp struct {
		Timestamp  string          `json:"timestamp"`
		Code       string          `json:"code"`
		StrategyID string          `json:"strategy_id"`
		Side       string          `json:"side"`
		Qty        int64           `json:"qty"`
		Price      decimal.Decimal `json:"price"`
		Meta       map[string]any  `json:"meta"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampFormat, temp.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid entry timestamp %q: %w", temp.Timestamp, err)
	}
	side, err := ParseSide(temp.Side)
	if err != nil {
		return err
	}
	*e = Entry{
		Timestamp:  ts,
		Code:       temp.Code,
		StrategyID: temp.StrategyID,
		Side:       side,
		Qty:        temp.Qty,
		Price:      temp.Price,
		Meta:       temp.Meta,
	}
	return nil
}

// validate checks an entry before it is appended.
func (e Entry) validate() error {
	if !codeRx.MatchString(e.Code) {
		return invalidf("code", "%q does not match the 6 digit format", e.Code)
	}
	if e.Side != Buy && e.Side != Sell {
		return invalidf("side", "%q is not BUY or SELL", string(e.Side))
	}
	if e.Qty <= 0 {
		return invalidf("qty", "must be positive, got %d", e.Qty)
	}
	if !e.Price.IsPositive() {
		return invalidf("price", "must be positive, got %s", e.Price)
	}
	if e.Timestamp.IsZero() {
		return invalidf("timestamp", "is missing")
	}
	return nil
}

// Ledger is the append-only, timestamp-ordered record of every confirmed
// fill. It is owned exclusively by this package; the reconciler reads it for
// attribution recovery.
//
// A Ledger is either purely in-memory (restored from a snapshot blob) or
// file-backed via [OpenLedger], in which case every append is flushed and
// synced to disk before returning.
type Ledger struct {
	entries []Entry
	file    *os.File // nil for in-memory ledgers
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make([]Entry, 0)}
}

// OpenLedger loads the JSONL ledger file at path, creating it if absent, and
// returns a file-backed ledger whose appends are durable. Unparsable lines
// are skipped with a warning, a missing or damaged ledger only degrades
// attribution recovery.
func OpenLedger(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger file %q: %w", path, err)
	}
	l, err := DecodeLedger(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot read ledger file %q: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Close releases the backing file of a file-backed ledger.
func (l *Ledger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append validates the entry and appends it to the ledger. For a file-backed
// ledger the JSONL line is flushed and fsynced before Append returns, there
// is no buffering across process boundaries.
func (l *Ledger) Append(e Entry) error {
	e.Code = NormalizeCode(e.Code)
	if err := e.validate(); err != nil {
		return err
	}
	if l.file != nil {
		if err := EncodeEntry(l.file, e); err != nil {
			return err
		}
		if err := l.file.Sync(); err != nil {
			// fsync can be unsupported on some filesystems; the write
			// itself succeeded, so log and keep going.
			log.Printf("ledger-sync-failed err=%v", err)
		}
	}
	l.entries = append(l.entries, e)
	return nil
}

// Len returns the number of entries in the ledger.
func (l *Ledger) Len() int { return len(l.entries) }

// All returns a restartable iterator over all entries in append order. It
// never mutates and never filters.
func (l *Ledger) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range l.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// FindLatestBuy returns the BUY entry for code with the latest timestamp,
// ties broken by later append order. It returns ErrNotFound when the ledger
// holds no BUY for that code. This is the strongest attribution-recovery
// signal the reconciler has.
func (l *Ledger) FindLatestBuy(code string) (Entry, error) {
	code = NormalizeCode(code)
	var found bool
	var best Entry
	for _, e := range l.entries {
		if e.Side != Buy || e.Code != code {
			continue
		}
		// >= keeps the later appended entry on equal timestamps.
		if !found || !e.Timestamp.Before(best.Timestamp) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, fmt.Errorf("no BUY entry for code %q: %w", code, ErrNotFound)
	}
	return best, nil
}

var _ io.Closer = (*Ledger)(nil)
