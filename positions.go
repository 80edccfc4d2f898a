package botstate

import (
	"iter"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the current position store file schema. It only changes
// on an explicit migration.
const SchemaVersion = 1

// Engine names for the originating execution path of a lot.
const (
	EngineDefault   = "trader"
	EngineRebalance = "rebalance"
	EngineManual    = "manual"
)

// Lot is a tracked open position in one instrument attributed to one
// strategy or bucket. A lot always has Qty > 0 while present in the store; a
// lot reaching zero is deleted, never retained as a zero entry.
type Lot struct {
	Code          string
	SID           Attribution
	Engine        string
	Qty           int64
	AvgPrice      decimal.Decimal
	EntryTS       time.Time
	HighWatermark decimal.Decimal
	Flags         map[string]any
	LastUpdateTS  time.Time
}

// CostBasis returns qty * average price.
func (l *Lot) CostBasis() decimal.Decimal {
	return l.AvgPrice.Mul(decimal.NewFromInt(l.Qty))
}

// SetFlag records an open marker on the lot, used by exit logic (booleans,
// price levels). The store does not interpret flags.
func (l *Lot) SetFlag(key string, value any) {
	if l.Flags == nil {
		l.Flags = make(map[string]any)
	}
	l.Flags[key] = value
}

// Flag returns an exit-logic marker previously set on the lot.
func (l *Lot) Flag(key string) (any, bool) {
	v, ok := l.Flags[key]
	return v, ok
}

// Memory is a best-effort recovery hint section: last observed price, time
// and strategy per code. It may be stale or absent and must never override a
// stronger attribution signal.
type Memory struct {
	LastPrice      map[string]decimal.Decimal
	LastSeen       map[string]time.Time
	LastStrategyID map[string]string
}

func newMemory() Memory {
	return Memory{
		LastPrice:      make(map[string]decimal.Decimal),
		LastSeen:       make(map[string]time.Time),
		LastStrategyID: make(map[string]string),
	}
}

func (m Memory) forget(code string) {
	delete(m.LastPrice, code)
	delete(m.LastSeen, code)
	delete(m.LastStrategyID, code)
}

// lotKey identifies a lot by the (code, sid) pair. Several strategies may
// co-hold the same instrument, each in its own lot.
type lotKey struct {
	code string
	sid  string
}

// PositionStore is the current-belief snapshot of open lots, one entry per
// (code, strategy) bucket, plus the recovery memory section. It is a cache
// over the ledger: reconciliation can always rebuild it approximately.
type PositionStore struct {
	SchemaVersion int
	UpdatedAt     time.Time // zero until the first reconciliation
	Memory        Memory

	lots map[lotKey]*Lot
}

// NewPositionStore creates the documented empty default store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		SchemaVersion: SchemaVersion,
		Memory:        newMemory(),
		lots:          make(map[lotKey]*Lot),
	}
}

// Len returns the number of lots in the store.
func (s *PositionStore) Len() int { return len(s.lots) }

// Get returns the lot for the (code, sid) pair.
func (s *PositionStore) Get(code string, sid Attribution) (*Lot, bool) {
	l, ok := s.lots[lotKey{NormalizeCode(code), sid.String()}]
	return l, ok
}

// Set validates and stores a lot, replacing any lot with the same
// (code, sid) key.
func (s *PositionStore) Set(l *Lot) error {
	l.Code = NormalizeCode(l.Code)
	if l.SID.IsZero() {
		return invalidf("sid", "lot %q has no attribution", l.Code)
	}
	if l.Qty <= 0 {
		return invalidf("qty", "lot %q/%s qty must be positive, got %d", l.Code, l.SID, l.Qty)
	}
	if !l.AvgPrice.IsPositive() {
		return invalidf("avg_price", "lot %q/%s avg price must be positive, got %s", l.Code, l.SID, l.AvgPrice)
	}
	if l.Engine == "" {
		l.Engine = EngineDefault
	}
	s.lots[lotKey{l.Code, l.SID.String()}] = l
	return nil
}

// Delete removes the lot for the (code, sid) pair.
func (s *PositionStore) Delete(code string, sid Attribution) {
	delete(s.lots, lotKey{NormalizeCode(code), sid.String()})
}

// Lots returns an iterator over all lots, sorted by code then sid so that
// iteration and encoding are deterministic.
func (s *PositionStore) Lots() iter.Seq[*Lot] {
	keys := make([]lotKey, 0, len(s.lots))
	for k := range s.lots {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b lotKey) int {
		if a.code != b.code {
			if a.code < b.code {
				return -1
			}
			return 1
		}
		if a.sid < b.sid {
			return -1
		} else if a.sid > b.sid {
			return 1
		}
		return 0
	})
	return func(yield func(*Lot) bool) {
		for _, k := range keys {
			if !yield(s.lots[k]) {
				return
			}
		}
	}
}

// LotsFor returns all lots for a code, oldest entry first. The order is the
// FIFO consumption order for sells.
func (s *PositionStore) LotsFor(code string) []*Lot {
	code = NormalizeCode(code)
	var out []*Lot
	for _, l := range s.lots {
		if l.Code == code {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b *Lot) int {
		if a.EntryTS.Before(b.EntryTS) {
			return -1
		} else if a.EntryTS.After(b.EntryTS) {
			return 1
		}
		// same entry time: keep a stable order by sid
		if a.SID.String() < b.SID.String() {
			return -1
		} else if a.SID.String() > b.SID.String() {
			return 1
		}
		return 0
	})
	return out
}

// Codes returns the sorted set of codes with at least one lot.
func (s *PositionStore) Codes() []string {
	seen := make(map[string]struct{})
	for _, l := range s.lots {
		seen[l.Code] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

// TotalQty returns the aggregate quantity held across all lots of a code.
func (s *PositionStore) TotalQty(code string) int64 {
	code = NormalizeCode(code)
	var total int64
	for _, l := range s.lots {
		if l.Code == code {
			total += l.Qty
		}
	}
	return total
}

// ApplyBuyFill records a confirmed buy fill in the store: it extends the
// (code, sid) lot with a weighted average price, or creates it. This is the
// entry point for the strategy execution layer, which mutates lots outside
// the reconciliation pass.
func (s *PositionStore) ApplyBuyFill(code string, sid Attribution, engine string, qty int64, price decimal.Decimal, ts time.Time) error {
	code = NormalizeCode(code)
	if qty <= 0 {
		return invalidf("qty", "buy fill must be positive, got %d", qty)
	}
	if !price.IsPositive() {
		return invalidf("price", "buy fill price must be positive, got %s", price)
	}
	if sid.IsZero() {
		return invalidf("sid", "buy fill has no attribution")
	}
	if engine == "" {
		engine = EngineDefault
	}

	if l, ok := s.Get(code, sid); ok {
		oldCost := l.CostBasis()
		fillCost := price.Mul(decimal.NewFromInt(qty))
		l.Qty += qty
		l.AvgPrice = oldCost.Add(fillCost).Div(decimal.NewFromInt(l.Qty))
		if price.GreaterThan(l.HighWatermark) {
			l.HighWatermark = price
		}
		l.LastUpdateTS = ts
	} else {
		l := &Lot{
			Code:          code,
			SID:           sid,
			Engine:        engine,
			Qty:           qty,
			AvgPrice:      price,
			EntryTS:       ts,
			HighWatermark: price,
			Flags:         make(map[string]any),
			LastUpdateTS:  ts,
		}
		if err := s.Set(l); err != nil {
			return err
		}
	}
	s.remember(code, price, sid, ts)
	return nil
}

// ApplySellFIFO records a confirmed sell fill: it consumes the requested
// strategy's lot first, then spills into the other lots of the same code in
// oldest-entry order (an account-level sell does not care which strategy it
// hit). Exhausted lots are deleted. It returns the quantity that could not
// be matched against any lot.
func (s *PositionStore) ApplySellFIFO(code string, sid Attribution, qty int64, price decimal.Decimal, ts time.Time) int64 {
	code = NormalizeCode(code)
	remaining := qty

	consume := func(l *Lot) {
		if remaining <= 0 || l.Qty <= 0 {
			return
		}
		delta := min(l.Qty, remaining)
		l.Qty -= delta
		remaining -= delta
		l.LastUpdateTS = ts
		if l.Qty == 0 {
			s.Delete(l.Code, l.SID)
		}
	}

	if !sid.IsZero() {
		if l, ok := s.Get(code, sid); ok {
			consume(l)
		}
	}
	for _, l := range s.LotsFor(code) {
		if remaining <= 0 {
			break
		}
		consume(l)
	}

	if qty > remaining {
		s.remember(code, price, sid, ts)
	}
	return remaining
}

// MarkHighWatermark raises the high watermark of the (code, sid) lot when
// price exceeds it, and reports whether it moved.
func (s *PositionStore) MarkHighWatermark(code string, sid Attribution, price decimal.Decimal, ts time.Time) bool {
	l, ok := s.Get(code, sid)
	if !ok || !price.GreaterThan(l.HighWatermark) {
		return false
	}
	l.HighWatermark = price
	l.LastUpdateTS = ts
	s.remember(code, price, sid, ts)
	return true
}

// remember updates the recovery memory hints for a code.
func (s *PositionStore) remember(code string, price decimal.Decimal, sid Attribution, ts time.Time) {
	if price.IsPositive() {
		s.Memory.LastPrice[code] = price
	}
	s.Memory.LastSeen[code] = ts
	if !sid.IsZero() {
		s.Memory.LastStrategyID[code] = sid.String()
	}
}
