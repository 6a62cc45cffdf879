package market

import (
	"math"

	"github.com/seenimoa/autostock/pkg/models"
)

// Indicator periods used by Technicals.
const (
	RSIPeriod       = 14
	MACDFast        = 12
	MACDSlow        = 26
	MACDSignal      = 9
	BollingerPeriod = 20
	BollingerMult   = 2.0
)

// Technicals is a snapshot of common indicators at the last candle. Fields are
// nil when the series is too short to compute them.
type Technicals struct {
	Close     float64    `json:"close"`
	SMA20     *float64   `json:"sma_20,omitempty"`
	SMA50     *float64   `json:"sma_50,omitempty"`
	EMA20     *float64   `json:"ema_20,omitempty"`
	RSI14     *float64   `json:"rsi_14,omitempty"`
	MACD      *MACDPoint `json:"macd,omitempty"`
	Bollinger *Bands     `json:"bollinger,omitempty"`
	Trend     string     `json:"trend"` // "up", "down" or "flat" against SMA20
}

// MACDPoint is one MACD reading.
type MACDPoint struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// TechnicalsOf computes the indicator snapshot for a candle series.
func TechnicalsOf(candles []models.OHLCV) (*Technicals, error) {
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	closes := Closes(candles)
	t := &Technicals{Close: closes[len(closes)-1], Trend: "flat"}

	t.SMA20 = last(SMA(closes, 20))
	t.SMA50 = last(SMA(closes, 50))
	t.EMA20 = last(EMA(closes, 20))
	t.RSI14 = last(RSI(closes, RSIPeriod))
	if m := MACD(closes, MACDFast, MACDSlow, MACDSignal); len(m) > 0 {
		p := m[len(m)-1]
		t.MACD = &p
	}
	if b := Bollinger(closes, BollingerPeriod, BollingerMult); len(b) > 0 {
		p := b[len(b)-1]
		t.Bollinger = &p
	}
	if t.SMA20 != nil {
		switch {
		case t.Close > *t.SMA20:
			t.Trend = "up"
		case t.Close < *t.SMA20:
			t.Trend = "down"
		}
	}
	return t, nil
}

// SMA is the simple moving average. Entries before the first full window
// are zero; nil means the series is shorter than period.
func SMA(data []float64, period int) []float64 {
	n := len(data)
	if period <= 0 || n < period {
		return nil
	}
	out := make([]float64, n)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		sum += data[i] - data[i-period]
		out[i] = sum / float64(period)
	}
	return out
}

// EMA is the exponential moving average seeded with the SMA of the first
// period values.
func EMA(data []float64, period int) []float64 {
	n := len(data)
	if period <= 0 || n < period {
		return nil
	}
	out := make([]float64, n)
	k := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		out[i] = data[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI is the Relative Strength Index with Wilder's smoothing, 0 to 100.
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || n < period+1 {
		return nil
	}
	out := make([]float64, n)

	var gain, loss float64
	for i := 1; i <= period; i++ {
		g, l := moveOf(closes[i] - closes[i-1])
		gain += g
		loss += l
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < n; i++ {
		g, l := moveOf(closes[i] - closes[i-1])
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func moveOf(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// MACD returns the MACD line, its signal line and histogram from the point
// where the signal line is defined.
func MACD(closes []float64, fast, slow, signal int) []MACDPoint {
	fastEMA, slowEMA := EMA(closes, fast), EMA(closes, slow)
	if fastEMA == nil || slowEMA == nil {
		return nil
	}
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sig := EMA(line, signal)
	if sig == nil {
		return nil
	}
	out := make([]MACDPoint, 0, len(line)-signal+1)
	for i := signal - 1; i < len(line); i++ {
		out = append(out, MACDPoint{Line: line[i], Signal: sig[i], Histogram: line[i] - sig[i]})
	}
	return out
}

// Bollinger returns bands for each full window, oldest first.
func Bollinger(closes []float64, period int, mult float64) []Bands {
	n := len(closes)
	if period <= 0 || n < period {
		return nil
	}
	out := make([]Bands, 0, n-period+1)
	for i := period - 1; i < n; i++ {
		window := closes[i-period+1 : i+1]
		mean, sd := meanStd(window)
		out = append(out, Bands{Upper: mean + mult*sd, Middle: mean, Lower: mean - mult*sd})
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(data []float64) (float64, float64) {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	sq := 0.0
	for _, v := range data {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(data)))
}

func last(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	return &v
}
