package botstate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

// This file contains the JSONL codec for the ledger: one Entry per line,
// append-only, human-readable and merge-friendly so it can live on a private
// git branch.

// DecodeLedger decodes fills from a stream of JSONL data. Unparsable lines
// are counted and logged, not fatal: a damaged ledger only degrades
// attribution recovery to the rebalance-bucket/MANUAL fallbacks.
func DecodeLedger(r io.Reader) (*Ledger, error) {
	ledger := NewLedger()
	scanner := bufio.NewScanner(r)

	var skipped int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			log.Printf("ledger-skip-line err=%v line=%q", err, string(line))
			continue
		}
		ledger.entries = append(ledger.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ledger: %w", err)
	}
	if skipped > 0 {
		log.Printf("ledger-decoded entries=%d skipped=%d", len(ledger.entries), skipped)
	}
	return ledger, nil
}

// EncodeEntry marshals a single fill to JSON and writes it to the writer,
// followed by a newline, in JSONL format.
func EncodeEntry(w io.Writer, e Entry) error {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	if _, err := w.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// EncodeLedger persists all entries to an io.Writer in JSONL format, in
// append order. Entries are deliberately not re-sorted: append order is the
// ledger's ordering contract.
func EncodeLedger(w io.Writer, l *Ledger) error {
	for _, e := range l.entries {
		if err := EncodeEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}
