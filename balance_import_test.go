package botstate

import (
	"errors"
	"testing"
)

func TestImportBalance(t *testing.T) {
	payload := []byte(`{
		"rt_cd": "0",
		"msg1": "ok",
		"output1": [
			{"pdno": "005930", "hldg_qty": "10", "pchs_avg_pric": "71000.0000"},
			{"pdno": "660", "hldg_qty": "7", "pchs_avg_pric": "120000"},
			{"pdno": "035420", "hldg_qty": "0", "pchs_avg_pric": "0"}
		],
		"output2": [{"dnca_tot_amt": "1000000"}]
	}`)
	bal, err := ImportBalance(payload)
	if err != nil {
		t.Fatalf("ImportBalance(): %v", err)
	}
	if len(bal) != 3 {
		t.Fatalf("len = %d, want 3", len(bal))
	}
	if p := bal["005930"]; p.Qty != 10 || !p.AvgPrice.Equal(d("71000")) {
		t.Errorf("005930 = %+v", p)
	}
	// The short pdno must be normalized to the 6 digit form.
	if p, ok := bal["000660"]; !ok || p.Qty != 7 {
		t.Errorf("000660 = %+v, ok=%v", p, ok)
	}
	if p := bal["035420"]; p.Qty != 0 {
		t.Errorf("035420 qty = %d, want the zero row kept", p.Qty)
	}
}

func TestImportBalance_OutputFallback(t *testing.T) {
	payload := []byte(`{"output": [{"pdno": "005930", "hldg_qty": "3", "pchs_avg_pric": "70000"}]}`)
	bal, err := ImportBalance(payload)
	if err != nil {
		t.Fatalf("ImportBalance(): %v", err)
	}
	if bal["005930"].Qty != 3 {
		t.Errorf("bal = %+v", bal)
	}
}

func TestImportBalance_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `<html>`},
		{name: "api error", payload: `{"rt_cd": "1", "msg1": "expired token", "output1": []}`},
		{name: "no output", payload: `{"rt_cd": "0"}`},
		{name: "garbled qty", payload: `{"output1": [{"pdno": "005930", "hldg_qty": "ten", "pchs_avg_pric": "1"}]}`},
		{name: "fractional qty", payload: `{"output1": [{"pdno": "005930", "hldg_qty": "1.5", "pchs_avg_pric": "1"}]}`},
		{name: "garbled price", payload: `{"output1": [{"pdno": "005930", "hldg_qty": "1", "pchs_avg_pric": "abc"}]}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ImportBalance([]byte(tc.payload))
			if !errors.Is(err, ErrSourceUnavailable) {
				t.Errorf("ImportBalance() err = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}

func TestImportBalance_RowWithoutCodeIsSkipped(t *testing.T) {
	payload := []byte(`{"output1": [
		{"pdno": "", "hldg_qty": "1", "pchs_avg_pric": "1"},
		{"pdno": "005930", "hldg_qty": "1", "pchs_avg_pric": "1"}
	]}`)
	bal, err := ImportBalance(payload)
	if err != nil {
		t.Fatalf("ImportBalance(): %v", err)
	}
	if len(bal) != 1 {
		t.Errorf("len = %d, want the codeless row skipped", len(bal))
	}
}
