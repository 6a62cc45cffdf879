package market

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/seenimoa/autostock/pkg/models"
)

func candles(start time.Time, closes ...float64) []models.OHLCV {
	out := make([]models.OHLCV, len(closes))
	for i, c := range closes {
		out[i] = models.OHLCV{Timestamp: start.AddDate(0, 0, i), Close: c}
	}
	return out
}

var day0 = time.Date(2025, 1, 6, 21, 0, 0, 0, time.UTC)

func TestPerformanceOf(t *testing.T) {
	p, err := PerformanceOf(candles(day0, 50, 40, 75))
	if err != nil {
		t.Fatal(err)
	}
	if p.ChangePct != 50 {
		t.Errorf("ChangePct = %f, want 50", p.ChangePct)
	}
	if p.High != 75 || p.Low != 40 {
		t.Errorf("High/Low = %f/%f", p.High, p.Low)
	}
}

func TestPerformanceOfBadData(t *testing.T) {
	if _, err := PerformanceOf(candles(day0, 10)); !errors.Is(err, ErrNoData) {
		t.Errorf("single candle err = %v", err)
	}

	tests := []struct {
		name   string
		closes []float64
		date   string
	}{
		{"zero first", []float64{0, 10, 12}, "2025-01-06"},
		{"zero middle", []float64{100, 0, 110}, "2025-01-07"},
		{"negative last", []float64{100, 105, -1}, "2025-01-08"},
		{"NaN middle", []float64{100, math.NaN(), 110}, "2025-01-07"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PerformanceOf(candles(day0, tt.closes...))
			if !errors.Is(err, ErrBadPrice) {
				t.Fatalf("err = %v, want ErrBadPrice", err)
			}
			if !strings.Contains(err.Error(), tt.date) {
				t.Errorf("err %q should name %s", err, tt.date)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize([]float64{200, 100, 300})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 0.5, 1.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Normalize[%d] = %f, want %f", i, got[i], want[i])
		}
	}
	if _, err := Normalize(nil); !errors.Is(err, ErrNoData) {
		t.Errorf("empty err = %v", err)
	}

	for _, values := range [][]float64{{0, 1}, {100, 0, 110}, {100, 105, -3}, {100, math.Inf(1)}} {
		if out, err := Normalize(values); !errors.Is(err, ErrBadPrice) {
			t.Errorf("Normalize(%v) = %v, %v, want ErrBadPrice", values, out, err)
		}
	}
}

func TestAlignKeepsCommonDays(t *testing.T) {
	hist := map[string][]models.OHLCV{
		"A": candles(day0, 1, 2, 3, 4),
		"B": candles(day0.AddDate(0, 0, 1), 20, 30, 40, 50),
	}
	a, err := Align([]string{"A", "B"}, hist)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Dates) != 3 {
		t.Fatalf("common days = %d, want 3", len(a.Dates))
	}
	if a.Closes["A"][0] != 2 || a.Closes["B"][0] != 20 {
		t.Errorf("first aligned closes = %v / %v", a.Closes["A"], a.Closes["B"])
	}
	if !a.Dates[0].Before(a.Dates[1]) {
		t.Error("dates should be ascending")
	}
}

func TestAlignRejectsBadClose(t *testing.T) {
	hist := map[string][]models.OHLCV{
		"A": candles(day0, 1, 2, 3),
		"B": candles(day0, 20, 0, 40),
	}
	_, err := Align([]string{"A", "B"}, hist)
	if !errors.Is(err, ErrBadPrice) {
		t.Fatalf("err = %v, want ErrBadPrice", err)
	}
	if !strings.Contains(err.Error(), "B:") || !strings.Contains(err.Error(), "2025-01-07") {
		t.Errorf("err %q should name the symbol and date", err)
	}
}

func TestDailyReturns(t *testing.T) {
	r := DailyReturns([]float64{100, 110, 99})
	if len(r) != 2 || math.Abs(r[0]-0.1) > 1e-12 || math.Abs(r[1]+0.1) > 1e-12 {
		t.Errorf("DailyReturns = %v", r)
	}
	if DailyReturns([]float64{1}) != nil {
		t.Error("single value should give nil returns")
	}
}

func TestPearson(t *testing.T) {
	r, err := Pearson([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	if err != nil || math.Abs(r-1) > 1e-12 {
		t.Errorf("perfect correlation = %f, %v", r, err)
	}
	r, err = Pearson([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2})
	if err != nil || math.Abs(r+1) > 1e-12 {
		t.Errorf("perfect anti-correlation = %f, %v", r, err)
	}
	if _, err := Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}); !errors.Is(err, ErrNoData) {
		t.Errorf("constant series err = %v", err)
	}
	if _, err := Pearson([]float64{1}, []float64{1, 2}); !errors.Is(err, ErrNoData) {
		t.Errorf("length mismatch err = %v", err)
	}
}

func mustAlign(t *testing.T, order []string, hist map[string][]models.OHLCV) *AlignedSeries {
	t.Helper()
	a, err := Align(order, hist)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCorrelationMatrix(t *testing.T) {
	hist := map[string][]models.OHLCV{
		"A": candles(day0, 100, 110, 105, 120, 118),
		"B": candles(day0, 50, 55, 52.5, 60, 59),
		"C": candles(day0, 10, 9, 9.5, 8, 8.2),
	}
	m, err := CorrelationMatrix(mustAlign(t, []string{"A", "B", "C"}, hist))
	if err != nil {
		t.Fatal(err)
	}
	if *m["A"]["A"] != 1 {
		t.Errorf("diagonal = %f", *m["A"]["A"])
	}
	if *m["A"]["B"] != 1 {
		t.Errorf("A/B = %f, want 1 (B is A scaled)", *m["A"]["B"])
	}
	if *m["A"]["C"] >= 0 {
		t.Errorf("A/C = %f, want negative", *m["A"]["C"])
	}
	if *m["A"]["C"] != *m["C"]["A"] {
		t.Error("matrix should be symmetric")
	}
}

func TestCorrelationMatrixConstantSymbol(t *testing.T) {
	hist := map[string][]models.OHLCV{
		"A": candles(day0, 100, 110, 105, 120),
		"B": candles(day0, 50, 55, 52.5, 60),
		"F": candles(day0, 10, 10, 10, 10),
	}
	m, err := CorrelationMatrix(mustAlign(t, []string{"A", "B", "F"}, hist))
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := m["A"]["F"]; !ok || r != nil {
		t.Errorf("A/F = %v, %v, want present and nil", r, ok)
	}
	if m["F"]["B"] != nil {
		t.Error("F/B should be nil")
	}
	if *m["F"]["F"] != 1 {
		t.Error("diagonal should stay 1")
	}
	if *m["A"]["B"] != 1 {
		t.Errorf("A/B = %f, want 1", *m["A"]["B"])
	}
}

func TestCorrelationMatrixTooShort(t *testing.T) {
	hist := map[string][]models.OHLCV{"A": candles(day0, 1, 2), "B": candles(day0, 3, 4)}
	if _, err := CorrelationMatrix(mustAlign(t, []string{"A", "B"}, hist)); !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
}
