package market

import (
	"math"
	"testing"

	"github.com/seenimoa/autostock/pkg/models"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{0, 0, 2, 3, 4}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("SMA = %v, want %v", got, want)
		}
	}
	if SMA([]float64{1, 2}, 3) != nil {
		t.Error("short series should return nil")
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	got := EMA([]float64{2, 4, 6, 8}, 3)
	// seed (2+4+6)/3 = 4, k = 0.5: 8*0.5 + 4*0.5 = 6
	if !near(got[2], 4) || !near(got[3], 6) {
		t.Errorf("EMA = %v", got)
	}
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	if r := RSI(rising, 14); r[len(r)-1] != 100 {
		t.Errorf("RSI of a rising series = %f, want 100", r[len(r)-1])
	}

	alternating := make([]float64, 30)
	for i := range alternating {
		alternating[i] = 100 + float64(i%2)
	}
	r := RSI(alternating, 14)
	if v := r[len(r)-1]; v < 40 || v > 60 {
		t.Errorf("RSI of a sideways series = %f, want about 50", v)
	}
	if RSI(rising[:14], 14) != nil {
		t.Error("RSI needs period+1 closes")
	}
}

func TestMACDConstantSeries(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50
	}
	m := MACD(closes, MACDFast, MACDSlow, MACDSignal)
	// 40 closes -> 15 MACD values -> 7 signal values
	if len(m) != 7 {
		t.Fatalf("len = %d, want 7", len(m))
	}
	for _, p := range m {
		if !near(p.Line, 0) || !near(p.Histogram, 0) {
			t.Errorf("flat prices should give zero MACD, got %+v", p)
		}
	}
	if MACD(closes[:30], MACDFast, MACDSlow, MACDSignal) != nil {
		t.Error("30 closes are too few for the signal line")
	}
}

func TestBollinger(t *testing.T) {
	b := Bollinger([]float64{1, 3, 1, 3}, 2, 2)
	if len(b) != 3 {
		t.Fatalf("len = %d", len(b))
	}
	if !near(b[0].Middle, 2) || !near(b[0].Upper, 4) || !near(b[0].Lower, 0) {
		t.Errorf("bands = %+v", b[0])
	}
}

func TestTechnicalsOf(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	ti, err := TechnicalsOf(candles(day0, closes...))
	if err != nil {
		t.Fatal(err)
	}
	if ti.Close != 159 || ti.Trend != "up" {
		t.Errorf("close/trend = %f/%s", ti.Close, ti.Trend)
	}
	if ti.SMA20 == nil || !near(*ti.SMA20, 149.5) {
		t.Errorf("SMA20 = %v", ti.SMA20)
	}
	if ti.SMA50 == nil || ti.EMA20 == nil || ti.RSI14 == nil || ti.MACD == nil || ti.Bollinger == nil {
		t.Errorf("60 closes should fill every indicator: %+v", ti)
	}

	short, err := TechnicalsOf(candles(day0, 10, 9, 8))
	if err != nil {
		t.Fatal(err)
	}
	if short.SMA20 != nil || short.Trend != "flat" {
		t.Errorf("short series = %+v", short)
	}

	if _, err := TechnicalsOf(nil); err != ErrNoData {
		t.Errorf("err = %v, want ErrNoData", err)
	}
}

func TestScoreHeadline(t *testing.T) {
	tests := []struct {
		text  string
		label string
	}{
		{"Nvidia shares surge to record high", SentimentPositive},
		{"Tesla stock plunges after recall", SentimentNegative},
		{"Apple to hold annual meeting", SentimentNeutral},
	}
	for _, tt := range tests {
		if got := ScoreHeadline(tt.text); got.Label != tt.label {
			t.Errorf("ScoreHeadline(%q) = %+v, want %s", tt.text, got, tt.label)
		}
	}
}

func TestScoreArticlesIgnoresNeutralInMean(t *testing.T) {
	scores, overall := ScoreArticles([]models.NewsArticle{
		{Title: "Microsoft beats estimates"},
		{Title: "Microsoft hosts developer conference"},
	})
	if len(scores) != 2 || scores[1].Matches != 0 {
		t.Fatalf("scores = %+v", scores)
	}
	if overall.Score != 1 || overall.Label != SentimentPositive {
		t.Errorf("overall = %+v", overall)
	}
}
