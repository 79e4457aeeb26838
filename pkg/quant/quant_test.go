package quant

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.23", "1.23"},
		{"-0.5", "-0.5"},
		{"", "0"},
		{"null", "0"},
		{"50000", "50000"},
	}
	for _, c := range cases {
		got, err := ParseDecimal(c.in)
		if err != nil {
			t.Fatalf("ParseDecimal(%q): %v", c.in, err)
		}
		if got.String() != c.want {
			t.Errorf("ParseDecimal(%q) = %s, want %s", c.in, got, c.want)
		}
	}

	if _, err := ParseDecimal("abc"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestTruncQtyTruncatesTowardZero(t *testing.T) {
	q := decimal.RequireFromString("0.123456789")
	got := TruncQty(q, 8)
	if got.String() != "0.12345678" {
		t.Errorf("TruncQty = %s, want 0.12345678", got)
	}
	// no rounding up
	q2 := decimal.RequireFromString("0.999999999")
	if TruncQty(q2, 8).String() != "0.99999999" {
		t.Errorf("TruncQty rounded up: %s", TruncQty(q2, 8))
	}
}

func TestNotional(t *testing.T) {
	price := decimal.RequireFromString("100.01")
	qty := decimal.RequireFromString("0.333")
	got := Notional(price, qty, 2)
	if got.String() != "33.3" {
		t.Errorf("Notional = %s, want 33.3", got)
	}
}

func TestNextSeq(t *testing.T) {
	var seq uint64
	if NextSeq(&seq) != 1 || NextSeq(&seq) != 2 {
		t.Error("NextSeq should be monotonic from 1")
	}
}

func TestParseTimeStamp(t *testing.T) {
	ts, err := ParseTimeStamp("1704067200000")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1704067200000000 {
		t.Errorf("ParseTimeStamp = %d, want micros", ts)
	}
	if _, err := ParseTimeStamp("x"); err == nil {
		t.Error("expected error")
	}
}

func FuzzParseDecimal(f *testing.F) {
	f.Add("1.23")
	f.Add("-99999.000001")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		d, err := ParseDecimal(s)
		if err != nil {
			return
		}
		// round-trip must not change the value
		back, err := ParseDecimal(d.String())
		if err != nil {
			t.Fatalf("round-trip parse failed: %v", err)
		}
		if !back.Equal(d) {
			t.Errorf("round-trip mismatch: %s vs %s", back, d)
		}
	})
}
