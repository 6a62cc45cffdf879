package market

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/seenimoa/autostock/pkg/models"
)

// PerformanceOf summarizes the first-to-last close change of a candle series.
// Any non-positive close is reported as ErrBadPrice.
func PerformanceOf(candles []models.OHLCV) (*models.Performance, error) {
	if len(candles) < 2 {
		return nil, ErrNoData
	}
	if err := checkCloses(candles); err != nil {
		return nil, err
	}
	first, last := candles[0], candles[len(candles)-1]

	p := &models.Performance{
		StartDate:  first.Timestamp,
		EndDate:    last.Timestamp,
		StartPrice: first.Close,
		EndPrice:   last.Close,
		ChangePct:  (last.Close - first.Close) / first.Close * 100,
		High:       first.Close,
		Low:        first.Close,
	}
	for _, c := range candles {
		p.High = math.Max(p.High, c.Close)
		p.Low = math.Min(p.Low, c.Close)
	}
	return p, nil
}

// checkCloses rejects the first candle whose close is not a positive number.
func checkCloses(candles []models.OHLCV) error {
	for _, c := range candles {
		if !validPrice(c.Close) {
			return fmt.Errorf("%w: close %.2f on %s", ErrBadPrice, c.Close, c.Timestamp.UTC().Format(time.DateOnly))
		}
	}
	return nil
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Normalize divides every value by the first one, so a series starts at 1.0.
// Every value must be a positive price.
func Normalize(values []float64) ([]float64, error) {
	if len(values) == 0 {
		return nil, ErrNoData
	}
	base := values[0]
	out := make([]float64, len(values))
	for i, v := range values {
		if !validPrice(v) {
			return nil, fmt.Errorf("%w: value %.2f at index %d", ErrBadPrice, v, i)
		}
		out[i] = v / base
	}
	return out, nil
}

// Closes extracts the close prices of a candle series.
func Closes(candles []models.OHLCV) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// AlignedSeries is a set of close series restricted to the dates every symbol traded.
type AlignedSeries struct {
	Dates   []time.Time
	Symbols []string
	Closes  map[string][]float64
}

// Align keeps only the trading days present in every symbol's history.
// Symbols keep the order given in order. A non-positive close in any history
// is reported as ErrBadPrice.
func Align(order []string, history map[string][]models.OHLCV) (*AlignedSeries, error) {
	counts := make(map[string]int)
	byDay := make(map[string]map[string]float64, len(order))
	for _, sym := range order {
		if err := checkCloses(history[sym]); err != nil {
			return nil, fmt.Errorf("%s: %w", sym, err)
		}
		days := make(map[string]float64, len(history[sym]))
		for _, c := range history[sym] {
			d := c.Timestamp.UTC().Format(time.DateOnly)
			if _, dup := days[d]; !dup {
				counts[d]++
			}
			days[d] = c.Close
		}
		byDay[sym] = days
	}

	var common []string
	for d, n := range counts {
		if n == len(order) {
			common = append(common, d)
		}
	}
	sort.Strings(common)

	a := &AlignedSeries{Symbols: order, Closes: make(map[string][]float64, len(order))}
	for _, d := range common {
		t, _ := time.Parse(time.DateOnly, d)
		a.Dates = append(a.Dates, t)
		for _, sym := range order {
			a.Closes[sym] = append(a.Closes[sym], byDay[sym][d])
		}
	}
	return a, nil
}

// DailyReturns converts closes into simple day-over-day returns.
func DailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// Pearson returns the correlation coefficient of two equal-length samples.
func Pearson(x, y []float64) (float64, error) {
	n := len(x)
	if n != len(y) || n < 2 {
		return 0, ErrNoData
	}
	var sx, sy float64
	for i := range n {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/float64(n), sy/float64(n)

	var cov, vx, vy float64
	for i := range n {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, fmt.Errorf("%w: constant series", ErrNoData)
	}
	return cov / math.Sqrt(vx*vy), nil
}

// CorrelationMatrix computes pairwise Pearson correlations of daily returns.
// The result is keyed by symbol on both axes and the diagonal is 1. A pair
// whose correlation is undefined, such as a symbol whose price never moved,
// is nil.
func CorrelationMatrix(a *AlignedSeries) (map[string]map[string]*float64, error) {
	if len(a.Dates) < 3 {
		return nil, ErrNoData
	}
	returns := make(map[string][]float64, len(a.Symbols))
	for _, sym := range a.Symbols {
		returns[sym] = DailyReturns(a.Closes[sym])
	}

	m := make(map[string]map[string]*float64, len(a.Symbols))
	for _, s := range a.Symbols {
		m[s] = make(map[string]*float64, len(a.Symbols))
	}
	for i, s1 := range a.Symbols {
		one := 1.0
		m[s1][s1] = &one
		for _, s2 := range a.Symbols[i+1:] {
			r, err := Pearson(returns[s1], returns[s2])
			if err != nil {
				m[s1][s2], m[s2][s1] = nil, nil
				continue
			}
			r = math.Round(r*10000) / 10000
			m[s1][s2], m[s2][s1] = &r, &r
		}
	}
	return m, nil
}
