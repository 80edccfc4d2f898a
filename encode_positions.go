package botstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// This file contains the JSON codec for the position store file. Unlike the
// ledger, the store is a single JSON object rewritten wholesale; the field
// and key order is fixed so an unchanged store round-trips byte-identical,
// which is what the snapshot transport's no-change detection relies on.

// MarshalJSON implements the json.Marshaler interface for Lot.
func (l *Lot) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("code", l.Code)
	w.Append("sid", l.SID)
	w.Append("engine", l.Engine)
	w.Append("qty", l.Qty)
	w.Append("avg_price", l.AvgPrice)
	w.Append("entry_ts", l.EntryTS.Format(TimestampFormat))
	w.Append("high_watermark", l.HighWatermark)
	w.Optional("flags", l.Flags)
	w.Append("last_update_ts", l.LastUpdateTS.Format(TimestampFormat))
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Lot.
func (l *Lot) UnmarshalJSON(data []byte) error {
	var temp struct {
		Code          string          `json:"code"`
		SID           Attribution     `json:"sid"`
		Engine        string          `json:"engine"`
		Qty           int64           `json:"qty"`
		AvgPrice      decimal.Decimal `json:"avg_price"`
		EntryTS       string          `json:"entry_ts"`
		HighWatermark decimal.Decimal `json:"high_watermark"`
		Flags         map[string]any  `json:"flags"`
		LastUpdateTS  string          `json:"last_update_ts"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	entryTS, err := time.Parse(TimestampFormat, temp.EntryTS)
	if err != nil {
		return fmt.Errorf("invalid lot entry_ts %q: %w", temp.EntryTS, err)
	}
	lastTS, err := time.Parse(TimestampFormat, temp.LastUpdateTS)
	if err != nil {
		return fmt.Errorf("invalid lot last_update_ts %q: %w", temp.LastUpdateTS, err)
	}
	*l = Lot{
		Code:          temp.Code,
		SID:           temp.SID,
		Engine:        temp.Engine,
		Qty:           temp.Qty,
		AvgPrice:      temp.AvgPrice,
		EntryTS:       entryTS,
		HighWatermark: temp.HighWatermark,
		Flags:         temp.Flags,
		LastUpdateTS:  lastTS,
	}
	return nil
}

// encodeTimeMap renders a code->timestamp map with the canonical timestamp
// format; the default time.Time marshaling is nanosecond-precise and would
// not round-trip byte-stable.
func encodeTimeMap(m map[string]time.Time) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.Format(TimestampFormat)
	}
	return out
}

// storeHeader is the fixed leading fields of the position store file,
// embedded ahead of the positions and memory objects.
type storeHeader struct {
	SchemaVersion int `json:"schema_version"`
	UpdatedAt     any `json:"updated_at"`
}

// EncodePositionStore encodes the store as a single canonical JSON object.
func EncodePositionStore(w io.Writer, s *PositionStore) error {
	h := storeHeader{SchemaVersion: s.SchemaVersion}
	if !s.UpdatedAt.IsZero() {
		h.UpdatedAt = s.UpdatedAt.Format(TimestampFormat)
	}
	var jw jsonObjectWriter
	jw.EmbedFrom(h)

	var positions jsonObjectWriter
	for l := range s.Lots() {
		positions.Append(l.Code+":"+l.SID.String(), l)
	}
	posJSON, err := positions.MarshalJSON()
	if err != nil {
		return fmt.Errorf("persist error: cannot marshal positions: %w", err)
	}
	jw.Append("positions", json.RawMessage(posJSON))

	var memory jsonObjectWriter
	memory.Append("last_price", s.Memory.LastPrice)
	memory.Append("last_seen", encodeTimeMap(s.Memory.LastSeen))
	memory.Append("last_strategy_id", s.Memory.LastStrategyID)
	memJSON, err := memory.MarshalJSON()
	if err != nil {
		return fmt.Errorf("persist error: cannot marshal memory: %w", err)
	}
	jw.Append("memory", json.RawMessage(memJSON))

	data, err := jw.MarshalJSON()
	if err != nil {
		return fmt.Errorf("persist error: cannot marshal position store: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("persist error: cannot write position store: %w", err)
	}
	return nil
}

// DecodePositionStore decodes a position store file. A schema violation is
// an error, never silently repaired: the position store is the one file that
// must not fall back to an empty default without operator confirmation.
func DecodePositionStore(r io.Reader) (*PositionStore, error) {
	var temp struct {
		SchemaVersion *int            `json:"schema_version"`
		UpdatedAt     *string         `json:"updated_at"`
		Positions     map[string]*Lot `json:"positions"`
		Memory        struct {
			LastPrice      map[string]decimal.Decimal `json:"last_price"`
			LastSeen       map[string]string          `json:"last_seen"`
			LastStrategyID map[string]string          `json:"last_strategy_id"`
		} `json:"memory"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&temp); err != nil {
		return nil, fmt.Errorf("corrupt position store: %w", err)
	}
	if temp.SchemaVersion == nil {
		return nil, fmt.Errorf("corrupt position store: schema_version is missing")
	}
	if *temp.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported position store schema_version %d, want %d (explicit migration required)", *temp.SchemaVersion, SchemaVersion)
	}

	s := NewPositionStore()
	if temp.UpdatedAt != nil {
		ts, err := time.Parse(TimestampFormat, *temp.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt position store: invalid updated_at %q: %w", *temp.UpdatedAt, err)
		}
		s.UpdatedAt = ts
	}
	for key, l := range temp.Positions {
		if err := s.Set(l); err != nil {
			return nil, fmt.Errorf("corrupt position store: lot %q: %w", key, err)
		}
	}
	for code, p := range temp.Memory.LastPrice {
		s.Memory.LastPrice[code] = p
	}
	for code, raw := range temp.Memory.LastSeen {
		ts, err := time.Parse(TimestampFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt position store: invalid last_seen for %q: %w", code, err)
		}
		s.Memory.LastSeen[code] = ts
	}
	for code, sid := range temp.Memory.LastStrategyID {
		s.Memory.LastStrategyID[code] = sid
	}
	return s, nil
}

// LoadPositionStore reads the position store file at path. A missing file is
// a fresh empty store; a corrupt one is backed up aside and returned as an
// error so an operator decides what to do.
func LoadPositionStore(path string) (*PositionStore, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewPositionStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open position store %q: %w", path, err)
	}
	s, err := DecodePositionStore(f)
	f.Close()
	if err != nil {
		if backup, berr := BackupCorrupt(path); berr == nil {
			return nil, fmt.Errorf("position store %q backed up to %q: %w", path, backup, err)
		}
		return nil, fmt.Errorf("position store %q: %w", path, err)
	}
	return s, nil
}

// SavePositionStore writes the store to path through a temporary sibling and
// a rename, so a crash never leaves a torn file.
func SavePositionStore(path string, s *PositionStore) error {
	var buf bytes.Buffer
	if err := EncodePositionStore(&buf, s); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("cannot write position store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cannot replace position store: %w", err)
	}
	return nil
}

// BackupCorrupt moves a damaged state file aside as <name>.broken-<ts> so an
// operator can inspect it. It never deletes data.
func BackupCorrupt(path string) (string, error) {
	backup := fmt.Sprintf("%s.broken-%s", path, Now().Format("20060102150405"))
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("cannot back up corrupt file %q: %w", path, err)
	}
	log.Printf("state-backup-corrupt from=%q to=%q", path, backup)
	return backup, nil
}
