package botstate

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// ImportBalance parses a KIS inquire-balance response body into a Balance.
// The payload carries holdings under output1 (newer endpoints) or output
// (older ones); each row is all strings, quantities included, with leading
// zeroes of the instrument code sometimes dropped.
//
// A payload that signals an API error, or a holding row whose numbers do
// not parse, fails with ErrSourceUnavailable: a half-garbled account view
// must abort the cycle, not drive it.
func ImportBalance(data []byte) (Balance, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse balance payload: %v: %w", err, ErrSourceUnavailable)
	}

	if rt, err := jsonpath.Get("$.rt_cd", doc); err == nil {
		if code, ok := rt.(string); ok && code != "0" {
			msg, _ := jsonpath.Get("$.msg1", doc)
			return nil, fmt.Errorf("balance request failed rt_cd=%s msg=%v: %w", code, msg, ErrSourceUnavailable)
		}
	}

	rows, err := jsonpath.Get("$.output1", doc)
	if err != nil {
		rows, err = jsonpath.Get("$.output", doc)
	}
	if err != nil {
		return nil, fmt.Errorf("balance payload has no output1 or output section: %w", ErrSourceUnavailable)
	}
	list, ok := rows.([]any)
	if !ok {
		return nil, fmt.Errorf("balance output is not a list: %w", ErrSourceUnavailable)
	}

	bal := make(Balance, len(list))
	for i, raw := range list {
		row, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("balance row %d is not an object: %w", i, ErrSourceUnavailable)
		}
		code, _ := row["pdno"].(string)
		code = NormalizeCode(code)
		if code == "" {
			log.Printf("balance-skip-row index=%d reason=no-pdno", i)
			continue
		}
		qty, err := parseKISInt(row["hldg_qty"])
		if err != nil {
			return nil, fmt.Errorf("balance row %s: bad hldg_qty: %v: %w", code, err, ErrSourceUnavailable)
		}
		avg, err := parseKISDecimal(row["pchs_avg_pric"])
		if err != nil {
			return nil, fmt.Errorf("balance row %s: bad pchs_avg_pric: %v: %w", code, err, ErrSourceUnavailable)
		}
		bal[code] = BalancePosition{Qty: qty, AvgPrice: avg}
	}
	return bal, nil
}

// parseKISInt reads a KIS numeric string. "10", "10.0000" and plain JSON
// numbers all occur in the wild.
func parseKISInt(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, err
		}
		if !d.IsInteger() {
			return 0, fmt.Errorf("%q is not a whole quantity", s)
		}
		return d.IntPart(), nil
	case float64:
		return int64(x), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func parseKISDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	case float64:
		return decimal.NewFromFloat(x), nil
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}
