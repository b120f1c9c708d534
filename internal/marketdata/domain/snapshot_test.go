package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriceSnapshot_MarshalJSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	s := NewPriceSnapshot("usd", map[string]decimal.Decimal{
		"bitcoin":  decimal.RequireFromString("43250.5"),
		"ethereum": decimal.RequireFromString("2301"),
	}, at)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"prices","prices":{"bitcoin":{"usd":43250.5},"ethereum":{"usd":2301}},"lastUpdate":"2026-03-01T04:00:00Z"}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}
}

func TestEmptySnapshot_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(EmptySnapshot("usd"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"prices","prices":{},"lastUpdate":null}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestPriceSnapshot_RoundTrip(t *testing.T) {
	src := NewPriceSnapshot("usd", map[string]decimal.Decimal{
		"cardano": decimal.RequireFromString("0.4512"),
	}, time.Unix(1700000000, 0))
	data, _ := json.Marshal(src)

	var got PriceSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, ok := got.Price("cardano")
	if !ok || !p.Equal(decimal.RequireFromString("0.4512")) {
		t.Errorf("cardano = %s, %v", p, ok)
	}
	if got.Currency() != "usd" {
		t.Errorf("currency = %q", got.Currency())
	}
	ts, ok := got.LastUpdate()
	if !ok || ts.Unix() != 1700000000 {
		t.Errorf("lastUpdate = %v, %v", ts, ok)
	}
}

func TestPriceSnapshot_UnmarshalRejects(t *testing.T) {
	tests := map[string]string{
		"wrong type":     `{"type":"pong","prices":{}}`,
		"missing prices": `{"type":"prices","lastUpdate":null}`,
		"zero price":     `{"type":"prices","prices":{"bitcoin":{"usd":0}}}`,
		"negative price": `{"type":"prices","prices":{"bitcoin":{"usd":-1}}}`,
		"not json":       `prices`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var s PriceSnapshot
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				t.Errorf("expected error for %s", raw)
			}
		})
	}
}

func TestPriceSnapshot_IsImmutable(t *testing.T) {
	in := map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(1)}
	s := NewPriceSnapshot("usd", in, time.Now())

	in["bitcoin"] = decimal.NewFromInt(2)
	out := s.Prices()
	out["bitcoin"] = decimal.NewFromInt(3)

	if p, _ := s.Price("bitcoin"); !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("snapshot mutated through map alias: %s", p)
	}
}

func TestPriceSnapshot_IsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	if !EmptySnapshot("usd").IsStale(now, time.Hour) {
		t.Error("empty snapshot must be stale")
	}

	s := NewPriceSnapshot("usd", map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(1)}, now.Add(-10*time.Minute))
	if s.IsStale(now, 15*time.Minute) {
		t.Error("10 minute old snapshot should be fresh with 15m threshold")
	}
	if !s.IsStale(now, 5*time.Minute) {
		t.Error("10 minute old snapshot should be stale with 5m threshold")
	}
}

func TestPriceSnapshot_Symbols(t *testing.T) {
	s := NewPriceSnapshot("usd", map[string]decimal.Decimal{
		"tether":  decimal.NewFromInt(1),
		"bitcoin": decimal.NewFromInt(2),
		"cardano": decimal.NewFromInt(3),
	}, time.Now())
	if got := strings.Join(s.Symbols(), ","); got != "bitcoin,cardano,tether" {
		t.Errorf("symbols = %s", got)
	}
}

func TestNewPricesUpdatedEvent(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	s := NewPriceSnapshot("usd", map[string]decimal.Decimal{"bitcoin": decimal.RequireFromString("43000.1")}, at)
	e := NewPricesUpdatedEvent(s)
	if e.Currency != "usd" || e.Prices["bitcoin"] != "43000.1" || !e.Timestamp.Equal(at) {
		t.Errorf("unexpected event: %+v", e)
	}
}
