package botstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"time"
)

// Intent is one planned trade recorded by the strategy engine before any
// order is placed, the write-ahead record that lets a crashed run tell
// "planned but never sent" from "sent but confirmation lost".
type Intent struct {
	IntentID   string
	TS         time.Time
	StrategyID Attribution
	Code       string
	Side       Side
	QtyHint    int64
	Rationale  string
}

// MarshalJSON implements the json.Marshaler interface for Intent. The field
// order is fixed so the persisted intent log is byte-stable.
func (in Intent) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("intent_id", in.IntentID)
	w.Append("ts", in.TS.Format(TimestampFormat))
	w.Append("strategy_id", in.StrategyID)
	w.Append("code", in.Code)
	w.Append("side", in.Side)
	w.Append("qty_hint", in.QtyHint)
	w.Optional("rationale", in.Rationale)
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Intent.
func (in *Intent) UnmarshalJSON(data []byte) error {
	var temp struct {
		IntentID   string `json:"intent_id"`
		TS         string `json:"ts"`
		StrategyID string `json:"strategy_id"`
		Code       string `json:"code"`
		Side       string `json:"side"`
		QtyHint    int64  `json:"qty_hint"`
		Rationale  string `json:"rationale"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampFormat, temp.TS)
	if err != nil {
		return fmt.Errorf("invalid intent ts %q: %w", temp.TS, err)
	}
	sid, err := ParseAttribution(temp.StrategyID)
	if err != nil {
		return fmt.Errorf("invalid intent strategy_id: %w", err)
	}
	side, err := ParseSide(temp.Side)
	if err != nil {
		return err
	}
	*in = Intent{
		IntentID:   temp.IntentID,
		TS:         ts,
		StrategyID: sid,
		Code:       temp.Code,
		Side:       side,
		QtyHint:    temp.QtyHint,
		Rationale:  temp.Rationale,
	}
	return nil
}

// validate checks an intent before it is appended.
func (in Intent) validate() error {
	if in.IntentID == "" {
		return invalidf("intent_id", "is missing")
	}
	if in.TS.IsZero() {
		return invalidf("ts", "is missing")
	}
	if in.StrategyID.IsZero() {
		return invalidf("strategy_id", "is missing")
	}
	if !codeRx.MatchString(in.Code) {
		return invalidf("code", "%q does not match the 6 digit format", in.Code)
	}
	if in.Side != Buy && in.Side != Sell {
		return invalidf("side", "%q is not BUY or SELL", string(in.Side))
	}
	if in.QtyHint < 0 {
		return invalidf("qty_hint", "must not be negative, got %d", in.QtyHint)
	}
	return nil
}

// Cursor marks how far into the intent log consumption has progressed. The
// offset is a byte position into the JSONL file, pointing just past the last
// consumed line; intent id and timestamp are carried for diagnostics only.
type Cursor struct {
	Offset       int64
	LastIntentID string
	LastTS       time.Time
}

// MarshalJSON implements the json.Marshaler interface for Cursor.
func (c Cursor) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("offset", c.Offset)
	w.Append("last_intent_id", c.LastIntentID)
	if c.LastTS.IsZero() {
		w.Append("last_ts", "")
	} else {
		w.Append("last_ts", c.LastTS.Format(TimestampFormat))
	}
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Cursor.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var temp struct {
		Offset       int64  `json:"offset"`
		LastIntentID string `json:"last_intent_id"`
		LastTS       string `json:"last_ts"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	var ts time.Time
	if temp.LastTS != "" {
		var err error
		ts, err = time.Parse(TimestampFormat, temp.LastTS)
		if err != nil {
			return fmt.Errorf("invalid cursor last_ts %q: %w", temp.LastTS, err)
		}
	}
	if temp.Offset < 0 {
		return invalidf("offset", "must not be negative, got %d", temp.Offset)
	}
	*c = Cursor{Offset: temp.Offset, LastIntentID: temp.LastIntentID, LastTS: ts}
	return nil
}

// IntentLog is the append-only JSONL record of planned trades plus the
// consumption cursor that travels with it. Appending an intent and advancing
// the cursor are two separate durable steps: the intent line lands on disk
// before the order goes out, the cursor only after the outcome is resolved.
type IntentLog struct {
	intents []Intent
	ends    []int64 // byte offset just past each line, parallel to intents
	size    int64
	cursor  Cursor

	file       *os.File // nil for in-memory logs
	cursorPath string
}

// NewIntentLog creates an empty in-memory intent log.
func NewIntentLog() *IntentLog {
	return &IntentLog{intents: make([]Intent, 0)}
}

// OpenIntentLog loads the JSONL intent file at path and its cursor sidecar
// at cursorPath, creating the intent file if absent. A missing cursor file
// means nothing has been consumed yet. A cursor pointing past the end of the
// file is clamped back with a warning, that happens when the log was
// restored from an older snapshot than the cursor.
func OpenIntentLog(path, cursorPath string) (*IntentLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open intent file %q: %w", path, err)
	}
	il, err := DecodeIntentLog(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot read intent file %q: %w", path, err)
	}
	il.file = f
	il.cursorPath = cursorPath

	data, err := os.ReadFile(cursorPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run, zero cursor
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("cannot read intent cursor %q: %w", cursorPath, err)
	default:
		var c Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			f.Close()
			return nil, fmt.Errorf("cannot parse intent cursor %q: %w", cursorPath, err)
		}
		il.cursor = c
	}
	if il.cursor.Offset > il.size {
		log.Printf("intent-cursor-clamped offset=%d size=%d", il.cursor.Offset, il.size)
		il.cursor = Cursor{Offset: il.size}
	}
	return il, nil
}

// Close releases the backing file of a file-backed intent log.
func (il *IntentLog) Close() error {
	if il.file == nil {
		return nil
	}
	err := il.file.Close()
	il.file = nil
	return err
}

// Len returns the number of intents in the log.
func (il *IntentLog) Len() int { return len(il.intents) }

// Size returns the byte size of the encoded log, the offset a fully
// consumed cursor would hold.
func (il *IntentLog) Size() int64 { return il.size }

// Cursor returns the current consumption cursor.
func (il *IntentLog) Cursor() Cursor { return il.cursor }

// Append validates the intent, assigns it an id when the caller left one
// empty, and appends it. For a file-backed log the JSONL line is flushed and
// fsynced before Append returns: the intent must be durable before the order
// it announces is placed.
func (il *IntentLog) Append(in Intent) error {
	in.Code = NormalizeCode(in.Code)
	if in.IntentID == "" {
		in.IntentID = NewID()
	}
	if err := in.validate(); err != nil {
		return err
	}
	line, err := json.Marshal(in)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if il.file != nil {
		if _, err := il.file.Write(line); err != nil {
			return fmt.Errorf("cannot append intent: %w", err)
		}
		if err := il.file.Sync(); err != nil {
			log.Printf("intent-sync-failed err=%v", err)
		}
	}
	il.size += int64(len(line))
	il.intents = append(il.intents, in)
	il.ends = append(il.ends, il.size)
	return nil
}

// All returns a restartable iterator over all intents in append order.
func (il *IntentLog) All() iter.Seq[Intent] {
	return func(yield func(Intent) bool) {
		for _, in := range il.intents {
			if !yield(in) {
				return
			}
		}
	}
}

// Since iterates over the intents recorded after the given cursor, in append
// order, paired with the cursor value that marks each one consumed. The
// caller processes an intent, then persists the paired cursor with
// [IntentLog.Advance]; a crash in between replays that intent on the next
// run, which is the safe side of the trade.
func (il *IntentLog) Since(c Cursor) iter.Seq2[Intent, Cursor] {
	return func(yield func(Intent, Cursor) bool) {
		for i, in := range il.intents {
			if il.ends[i] <= c.Offset {
				continue
			}
			next := Cursor{Offset: il.ends[i], LastIntentID: in.IntentID, LastTS: in.TS}
			if !yield(in, next) {
				return
			}
		}
	}
}

// Pending iterates over the not yet consumed intents from the current
// cursor.
func (il *IntentLog) Pending() iter.Seq2[Intent, Cursor] {
	return il.Since(il.cursor)
}

// Advance durably moves the consumption cursor. The cursor file is written
// to a temporary sibling and renamed into place, so a crash leaves either
// the old cursor or the new one, never a torn write. Moving backwards is an
// error; re-consumption is Since's job, not Advance's.
func (il *IntentLog) Advance(c Cursor) error {
	if c.Offset < il.cursor.Offset {
		return invalidf("offset", "cursor moves backwards, %d < %d", c.Offset, il.cursor.Offset)
	}
	if c.Offset > il.size {
		return invalidf("offset", "cursor points past the log end, %d > %d", c.Offset, il.size)
	}
	if il.cursorPath != "" {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		tmp := il.cursorPath + ".tmp"
		if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("cannot write intent cursor: %w", err)
		}
		if err := os.Rename(tmp, il.cursorPath); err != nil {
			return fmt.Errorf("cannot replace intent cursor: %w", err)
		}
	}
	il.cursor = c
	return nil
}

// DedupeIntents filters an intent iteration down to the first occurrence of
// each intent id, preserving order. Duplicate ids appear when a crashed run
// re-planned trades it had already logged.
func DedupeIntents(seq iter.Seq2[Intent, Cursor]) iter.Seq2[Intent, Cursor] {
	return func(yield func(Intent, Cursor) bool) {
		seen := make(map[string]bool)
		for in, c := range seq {
			if seen[in.IntentID] {
				continue
			}
			seen[in.IntentID] = true
			if !yield(in, c) {
				return
			}
		}
	}
}

// DecodeIntentLog reads a JSONL stream into an in-memory intent log,
// tracking the byte offset past each line so cursors restored alongside the
// blob stay meaningful. Unparsable lines are skipped with a warning; their
// bytes still count toward the offsets.
func DecodeIntentLog(r io.Reader) (*IntentLog, error) {
	il := NewIntentLog()
	br := bufio.NewReader(r)
	var skipped int
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			il.size += int64(len(line))
			var in Intent
			if uerr := json.Unmarshal(line, &in); uerr != nil {
				skipped++
				log.Printf("intent-skip-line err=%v", uerr)
			} else {
				il.intents = append(il.intents, in)
				il.ends = append(il.ends, il.size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if skipped > 0 {
		log.Printf("intent-skipped lines=%d", skipped)
	}
	return il, nil
}

// EncodeIntentLog writes the log as JSONL in append order.
func EncodeIntentLog(w io.Writer, il *IntentLog) error {
	enc := json.NewEncoder(w)
	for _, in := range il.intents {
		if err := enc.Encode(in); err != nil {
			return err
		}
	}
	return nil
}

// EncodeCursor writes the canonical cursor JSON with a trailing newline.
func EncodeCursor(w io.Writer, c Cursor) error {
	return json.NewEncoder(w).Encode(c)
}

// DecodeCursor reads a cursor written by EncodeCursor.
func DecodeCursor(r io.Reader) (Cursor, error) {
	var c Cursor
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Cursor{}, fmt.Errorf("cannot parse intent cursor: %w", err)
	}
	return c, nil
}
