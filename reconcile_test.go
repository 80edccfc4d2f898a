package botstate

import (
	"bytes"
	"reflect"
	"sort"
	"testing"
)

func TestReconcile_RecoveryPriority(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")

	ledger := NewLedger()
	buy(t, ledger, at(t, "2025-08-20T10:00:00+09:00"), "005930", "momentum", 10, "71000", "trader")

	store := NewPositionStore()
	bal := Balance{
		"005930": {Qty: 10, AvgPrice: d("71000")},  // ledger knows this one, and it is also a target
		"035420": {Qty: 5, AvgPrice: d("180000")},  // rebalance target only
		"000660": {Qty: 7, AvgPrice: d("120000")},  // nobody claims it
	}
	// 005930 is in both the ledger and today's targets: the ledger wins.
	targets := NewRebalanceSet("035420", "005930")

	report := Reconcile(store, bal, targets, ledger, now)

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", store.Len())
	}

	samsung, ok := store.Get("005930", sid(t, "momentum"))
	if !ok {
		t.Fatal("005930 not attributed to momentum from the ledger")
	}
	if samsung.Qty != 10 || !samsung.AvgPrice.Equal(d("71000")) {
		t.Errorf("005930 lot = %+v", samsung)
	}
	if samsung.Engine != "trader" {
		t.Errorf("005930 engine = %q, want trader from ledger meta", samsung.Engine)
	}
	if _, ok := store.Get("005930", RebalanceBucket(now)); ok {
		t.Error("005930 got a rebalance lot despite a matching ledger BUY")
	}

	naver, ok := store.Get("035420", RebalanceBucket(now))
	if !ok {
		t.Fatalf("035420 not attributed to %s", RebalanceBucket(now))
	}
	if naver.Engine != EngineRebalance {
		t.Errorf("035420 engine = %q", naver.Engine)
	}

	hynix, ok := store.Get("000660", Manual)
	if !ok {
		t.Fatal("000660 not attributed to MANUAL")
	}
	if hynix.Engine != EngineManual {
		t.Errorf("000660 engine = %q", hynix.Engine)
	}

	wantStats := map[string]int{SourceLedger: 1, SourceRebalance: 1, SourceManual: 1}
	if !reflect.DeepEqual(report.RecoveryStats, wantStats) {
		t.Errorf("RecoveryStats = %v, want %v", report.RecoveryStats, wantStats)
	}
	if len(report.Created) != 3 || len(report.Removed) != 0 {
		t.Errorf("report = created %v removed %v", report.Created, report.Removed)
	}

	if !store.Memory.LastSeen["005930"].Equal(now) {
		t.Error("memory.last_seen not updated for a recovered code")
	}
	if store.Memory.LastStrategyID["005930"] != "momentum" {
		t.Errorf("memory.last_strategy_id = %q", store.Memory.LastStrategyID["005930"])
	}
}

func TestReconcile_RemovesGoneHoldings(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	store := NewPositionStore()
	entry := at(t, "2025-08-01T10:00:00+09:00")
	if err := store.Set(lot(t, "005930", "momentum", 10, "71000", entry)); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(lot(t, "000660", "meanrev", 7, "120000", entry)); err != nil {
		t.Fatal(err)
	}
	store.Memory.LastPrice["000660"] = d("121000")
	store.Memory.LastSeen["000660"] = entry
	store.Memory.LastStrategyID["000660"] = "meanrev"

	// 000660 sold outside the bot: absent from the balance entirely.
	bal := Balance{"005930": {Qty: 10, AvgPrice: d("71000")}}
	report := Reconcile(store, bal, nil, NewLedger(), now)

	if store.TotalQty("000660") != 0 {
		t.Error("000660 lots should be gone")
	}
	if !reflect.DeepEqual(report.Removed, []string{"000660"}) {
		t.Errorf("Removed = %v", report.Removed)
	}
	if _, ok := store.Memory.LastPrice["000660"]; ok {
		t.Error("memory not forgotten for a removed code")
	}
	if len(report.Created) != 0 || len(report.Updated) != 0 {
		t.Errorf("unexpected changes: %+v", report)
	}
}

func TestReconcile_ZeroQtyRowRemoves(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	store := NewPositionStore()
	if err := store.Set(lot(t, "005930", "momentum", 10, "71000", at(t, "2025-08-01T10:00:00+09:00"))); err != nil {
		t.Fatal(err)
	}
	bal := Balance{"005930": {Qty: 0}}
	report := Reconcile(store, bal, nil, NewLedger(), now)
	if store.Len() != 0 {
		t.Error("a zero qty balance row must remove the holding")
	}
	if !reflect.DeepEqual(report.Removed, []string{"005930"}) {
		t.Errorf("Removed = %v", report.Removed)
	}
}

func TestReconcile_QtyMismatchBrokerWins(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	store := NewPositionStore()
	l := lot(t, "005930", "momentum", 10, "71000", at(t, "2025-08-01T10:00:00+09:00"))
	l.HighWatermark = d("75000")
	if err := store.Set(l); err != nil {
		t.Fatal(err)
	}

	bal := Balance{"005930": {Qty: 8, AvgPrice: d("70800")}}
	report := Reconcile(store, bal, nil, NewLedger(), now)

	got, _ := store.Get("005930", sid(t, "momentum"))
	if got.Qty != 8 || !got.AvgPrice.Equal(d("70800")) {
		t.Errorf("lot = %+v, want broker's qty and avg", got)
	}
	if !got.HighWatermark.Equal(d("75000")) {
		t.Error("watermark must survive a qty alignment")
	}
	if !got.EntryTS.Equal(at(t, "2025-08-01T10:00:00+09:00")) {
		t.Error("entry time must survive a qty alignment")
	}
	if !reflect.DeepEqual(report.Updated, []string{"005930"}) {
		t.Errorf("Updated = %v", report.Updated)
	}
}

func TestReconcile_MalformedRowTouchesNothing(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	store := NewPositionStore()
	if err := store.Set(lot(t, "005930", "momentum", 10, "71000", at(t, "2025-08-01T10:00:00+09:00"))); err != nil {
		t.Fatal(err)
	}

	bal := Balance{
		"005930": {Qty: -3, AvgPrice: d("71000")},    // negative qty
		"035420": {Qty: 5, AvgPrice: d("0")},         // non-positive price
	}
	report := Reconcile(store, bal, nil, NewLedger(), now)

	if store.TotalQty("005930") != 10 {
		t.Error("a malformed row must not delete the local lot")
	}
	if store.TotalQty("035420") != 0 {
		t.Error("a malformed row must not create a lot")
	}
	if len(report.Warnings) != 2 {
		t.Errorf("Warnings = %v, want 2", report.Warnings)
	}
	if len(report.Created)+len(report.Removed)+len(report.Updated) != 0 {
		t.Errorf("malformed rows caused changes: %+v", report)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	ledger := NewLedger()
	buy(t, ledger, at(t, "2025-08-20T10:00:00+09:00"), "005930", "momentum", 10, "71000", "trader")

	bal := Balance{
		"005930": {Qty: 10, AvgPrice: d("71000")},
		"000660": {Qty: 7, AvgPrice: d("120000")},
	}
	store := NewPositionStore()
	Reconcile(store, bal, nil, ledger, now)

	var first bytes.Buffer
	if err := EncodePositionStore(&first, store); err != nil {
		t.Fatal(err)
	}

	second := Reconcile(store, bal, nil, ledger, now)
	if len(second.Created)+len(second.Removed)+len(second.Updated) != 0 {
		t.Errorf("second run reported changes: %+v", second)
	}

	var again bytes.Buffer
	if err := EncodePositionStore(&again, store); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), again.Bytes()) {
		t.Errorf("second run changed the store:\n%s\nvs\n%s", first.Bytes(), again.Bytes())
	}
}

func TestReconcile_MultiLot(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	newStore := func(t *testing.T) *PositionStore {
		s := NewPositionStore()
		if err := s.Set(lot(t, "005930", "early", 10, "70000", at(t, "2025-08-01T10:00:00+09:00"))); err != nil {
			t.Fatal(err)
		}
		if err := s.Set(lot(t, "005930", "late", 10, "72000", at(t, "2025-08-10T10:00:00+09:00"))); err != nil {
			t.Fatal(err)
		}
		return s
	}

	t.Run("aggregate match leaves lots alone", func(t *testing.T) {
		s := newStore(t)
		report := Reconcile(s, Balance{"005930": {Qty: 20, AvgPrice: d("71000")}}, nil, NewLedger(), now)
		if len(report.Updated) != 0 {
			t.Errorf("Updated = %v", report.Updated)
		}
		early, _ := s.Get("005930", sid(t, "early"))
		if early.Qty != 10 || !early.AvgPrice.Equal(d("70000")) {
			t.Errorf("early lot touched: %+v", early)
		}
	})

	t.Run("excess trims newest entry first", func(t *testing.T) {
		s := newStore(t)
		Reconcile(s, Balance{"005930": {Qty: 13, AvgPrice: d("71000")}}, nil, NewLedger(), now)
		early, _ := s.Get("005930", sid(t, "early"))
		late, _ := s.Get("005930", sid(t, "late"))
		if early == nil || early.Qty != 10 {
			t.Errorf("early lot = %+v, want untouched", early)
		}
		if late == nil || late.Qty != 3 {
			t.Errorf("late lot = %+v, want trimmed to 3", late)
		}
	})

	t.Run("excess deletes exhausted lots", func(t *testing.T) {
		s := newStore(t)
		Reconcile(s, Balance{"005930": {Qty: 4, AvgPrice: d("71000")}}, nil, NewLedger(), now)
		if _, ok := s.Get("005930", sid(t, "late")); ok {
			t.Error("late lot should be gone")
		}
		early, _ := s.Get("005930", sid(t, "early"))
		if early == nil || early.Qty != 4 {
			t.Errorf("early lot = %+v, want qty 4", early)
		}
	})

	t.Run("deficit recovers a new lot", func(t *testing.T) {
		s := newStore(t)
		report := Reconcile(s, Balance{"005930": {Qty: 25, AvgPrice: d("71000")}}, nil, NewLedger(), now)
		if s.TotalQty("005930") != 25 {
			t.Fatalf("TotalQty = %d, want 25", s.TotalQty("005930"))
		}
		rec, ok := s.Get("005930", Manual)
		if !ok {
			t.Fatal("deficit should land in a MANUAL lot without other signals")
		}
		if rec.Qty != 5 {
			t.Errorf("recovered lot qty = %d, want 5", rec.Qty)
		}
		if report.RecoveryStats[SourceManual] != 1 {
			t.Errorf("RecoveryStats = %v", report.RecoveryStats)
		}
	})

	t.Run("deficit extends an existing lot of the recovered sid", func(t *testing.T) {
		s := newStore(t)
		ledger := NewLedger()
		buy(t, ledger, at(t, "2025-08-20T10:00:00+09:00"), "005930", "late", 10, "72000", "trader")
		Reconcile(s, Balance{"005930": {Qty: 25, AvgPrice: d("71000")}}, nil, ledger, now)
		late, _ := s.Get("005930", sid(t, "late"))
		if late == nil || late.Qty != 15 {
			t.Errorf("late lot = %+v, want extended to 15", late)
		}
	})
}

func TestReconcile_UnusableLedgerSIDFallsBack(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	ledger := NewLedger()
	// Historical entry persisted with a placeholder sid before validation
	// existed. It must not become an attribution.
	ledger.entries = append(ledger.entries, Entry{
		Timestamp:  at(t, "2025-08-20T10:00:00+09:00"),
		Code:       "005930",
		StrategyID: "UNKNOWN",
		Side:       Buy,
		Qty:        10,
		Price:      d("71000"),
	})

	store := NewPositionStore()
	report := Reconcile(store, Balance{"005930": {Qty: 10, AvgPrice: d("71000")}}, nil, ledger, now)

	if _, ok := store.Get("005930", Manual); !ok {
		t.Error("placeholder ledger sid should fall back to MANUAL")
	}
	if len(report.Warnings) == 0 {
		t.Error("falling back should leave a warning")
	}
}

func TestReconcile_ReportOrderIsStable(t *testing.T) {
	now := at(t, "2025-08-29T16:00:00+09:00")
	store := NewPositionStore()
	bal := Balance{
		"000660": {Qty: 1, AvgPrice: d("1")},
		"005930": {Qty: 1, AvgPrice: d("1")},
		"035420": {Qty: 1, AvgPrice: d("1")},
	}
	report := Reconcile(store, bal, nil, NewLedger(), now)
	if !sort.StringsAreSorted(report.Created) {
		t.Errorf("Created not sorted: %v", report.Created)
	}
}
