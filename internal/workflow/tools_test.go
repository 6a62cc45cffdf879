package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/autostock/internal/llm"
	"github.com/seenimoa/autostock/internal/market"
	"github.com/seenimoa/autostock/internal/report"
	"github.com/seenimoa/autostock/pkg/models"
)

// fakeStocks serves fixed prices: each symbol starts at base and moves by
// step per day over five trading days.
type fakeStocks struct {
	prices map[string][2]float64 // base, step
	names  map[string]string
	calls  atomic.Int32
}

func newFakeStocks() *fakeStocks {
	return &fakeStocks{
		prices: map[string][2]float64{"AAPL": {100, 2}, "MSFT": {200, -1}, "ZERO": {0, 0}},
		names:  map[string]string{"AAPL": "Apple Inc.", "MSFT": "Microsoft Corporation", "ZERO": "Zero Corp"},
	}
}

func (f *fakeStocks) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	f.calls.Add(1)
	p, ok := f.prices[symbol]
	if !ok {
		return nil, market.ErrTickerNotFound
	}
	return &models.Quote{Ticker: symbol, Name: f.names[symbol], LastPrice: p[0] + 4*p[1], Currency: "USD"}, nil
}

func (f *fakeStocks) History(ctx context.Context, symbol, rng string) ([]models.OHLCV, error) {
	f.calls.Add(1)
	p, ok := f.prices[symbol]
	if !ok {
		return nil, market.ErrTickerNotFound
	}
	d0 := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	out := make([]models.OHLCV, 5)
	for i := range out {
		// alternate the step so returns are not constant
		step := p[1]
		if i%2 == 1 {
			step = -p[1] / 2
		}
		c := p[0] + float64(i)*p[1] + step
		out[i] = models.OHLCV{Timestamp: d0.AddDate(0, 0, i), Close: c}
	}
	return out, nil
}

func (f *fakeStocks) Performance(ctx context.Context, symbol, rng string) (*models.Performance, error) {
	candles, err := f.History(ctx, symbol, rng)
	if err != nil {
		return nil, err
	}
	perf, err := market.PerformanceOf(candles)
	if err != nil {
		return nil, err
	}
	perf.Ticker, perf.Range = symbol, rng
	return perf, nil
}

func (f *fakeStocks) Fundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error) {
	if _, ok := f.prices[symbol]; !ok {
		return nil, market.ErrTickerNotFound
	}
	return &models.Fundamentals{Ticker: symbol, TrailingPE: 30, ForwardPE: 25, ROE: 0.4}, nil
}

type fakeNews struct {
	queries []string
}

func (f *fakeNews) Headlines(ctx context.Context, query string, limit int) ([]models.NewsArticle, error) {
	f.queries = append(f.queries, query)
	if query == "" {
		return nil, errors.New("empty query")
	}
	var out []models.NewsArticle
	for i := 0; i < limit && i < 3; i++ {
		out = append(out, models.NewsArticle{
			Title:       query + " headline " + string(rune('A'+i)),
			Source:      "Reuters",
			PublishedAt: time.Date(2025, 1, 10-i, 0, 0, 0, 0, time.UTC),
		})
	}
	return out, nil
}

func newToolset(t *testing.T) *Toolset {
	t.Helper()
	return &Toolset{Stocks: newFakeStocks(), News: &fakeNews{}, WorkDir: filepath.Join(t.TempDir(), "coding")}
}

func call(t *testing.T, tools []llm.Tool, name, args string) (string, error) {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool.Handler(context.Background(), json.RawMessage(args))
		}
	}
	t.Fatalf("tool %s not found", name)
	return "", nil
}

func TestToolNames(t *testing.T) {
	ts := newToolset(t)
	var names []string
	for _, group := range [][]llm.Tool{ts.FinancialTools(), ts.ResearchTools(), ts.ExportTools()} {
		for _, tool := range group {
			names = append(names, tool.Name)
			assert.NotNil(t, tool.Parameters, tool.Name)
			assert.NotEmpty(t, tool.Description, tool.Name)
		}
	}
	assert.Equal(t, []string{
		"get_stock_quote", "get_price_performance", "get_fundamentals", "get_technical_indicators",
		"plot_normalized_prices", "get_correlation",
		"search_news_headlines", "save_report",
	}, names)
}

func TestQuoteTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "get_stock_quote", `{"symbols":["aapl"," AAPL ","ZERO","NOPE"]}`)
	require.NoError(t, err)

	var got []struct {
		Symbol string        `json:"symbol"`
		Data   *models.Quote `json:"data"`
		Error  string        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 3, "duplicates collapse")
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, "Apple Inc.", got[0].Data.Name)
	assert.Contains(t, got[1].Error, "retry")
	assert.Contains(t, got[2].Error, "not found")
}

func TestQuoteTool_NoSymbols(t *testing.T) {
	ts := newToolset(t)
	_, err := call(t, ts.FinancialTools(), "get_stock_quote", `{"symbols":[" ", ""]}`)
	assert.Error(t, err)
	_, err = call(t, ts.FinancialTools(), "get_stock_quote", `not json`)
	assert.Error(t, err)
}

func TestPerformanceTool_DefaultRange(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "get_price_performance", `{"symbols":["AAPL"]}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"range":"6mo"`)
	assert.Contains(t, out, `"change_pct"`)
}

func TestFundamentalsTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "get_fundamentals", `{"symbols":["MSFT"]}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"forward_pe":25`)
}

func TestPlotTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "plot_normalized_prices", `{"symbols":["AAPL","MSFT"]}`)
	require.NoError(t, err)

	var got plotResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, report.ChartFileName, got.File)
	assert.Equal(t, 5, got.Points)
	assert.Equal(t, "2025-01-06", got.Start)

	path, ok := report.ChartPath(ts.WorkDir)
	require.True(t, ok)
	svg, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "Apple Inc. (AAPL)")
}

func TestPlotTool_BadPrice(t *testing.T) {
	ts := newToolset(t)
	_, err := call(t, ts.FinancialTools(), "plot_normalized_prices", `{"symbols":["ZERO"]}`)
	assert.ErrorIs(t, err, market.ErrBadPrice)
	_, ok := report.ChartPath(ts.WorkDir)
	assert.False(t, ok)
}

func TestCorrelationTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "get_correlation", `{"symbols":["AAPL","MSFT"],"range":"1y"}`)
	require.NoError(t, err)

	var got struct {
		Range       string                        `json:"range"`
		Days        int                           `json:"days"`
		Correlation map[string]map[string]float64 `json:"correlation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "1y", got.Range)
	assert.Equal(t, 5, got.Days)
	assert.Equal(t, 1.0, got.Correlation["AAPL"]["AAPL"])
	assert.Equal(t, got.Correlation["AAPL"]["MSFT"], got.Correlation["MSFT"]["AAPL"])

	_, err = call(t, ts.FinancialTools(), "get_correlation", `{"symbols":["AAPL"]}`)
	assert.Error(t, err)
}

func TestHeadlinesTool(t *testing.T) {
	ts := newToolset(t)
	ts.Headlines = 2
	out, err := call(t, ts.ResearchTools(), "search_news_headlines", `{"query":"Apple Inc. stock"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "headline A"))
	assert.Contains(t, out, `"published":"2025-01-10"`)
	assert.NotContains(t, out, "headline C")
}

func TestTechnicalsTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.FinancialTools(), "get_technical_indicators", `{"symbols":["AAPL","NOPE"]}`)
	require.NoError(t, err)

	var got []struct {
		Symbol string             `json:"symbol"`
		Data   *market.Technicals `json:"data"`
		Error  string             `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)

	require.NotNil(t, got[0].Data)
	assert.Greater(t, got[0].Data.Close, 0.0)
	assert.Nil(t, got[0].Data.RSI14, "five candles are too few for RSI 14")
	assert.Equal(t, "flat", got[0].Data.Trend)
	assert.NotEmpty(t, got[1].Error)
}

func TestHeadlinesToolScoresSentiment(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.ResearchTools(), "search_news_headlines", `{"query":"Apple shares surge","limit":1}`)
	require.NoError(t, err)

	var got struct {
		Headlines []struct {
			Sentiment string  `json:"sentiment"`
			Score     float64 `json:"score"`
		} `json:"headlines"`
		Overall market.HeadlineScore `json:"overall_sentiment"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Headlines, 1)
	assert.Equal(t, market.SentimentPositive, got.Headlines[0].Sentiment)
	assert.Equal(t, 1.0, got.Headlines[0].Score)
	assert.Equal(t, market.SentimentPositive, got.Overall.Label)
}

func TestSaveReportTool(t *testing.T) {
	ts := newToolset(t)
	out, err := call(t, ts.ExportTools(), "save_report", `{"filename":"../AAPL report","content":"# Report\n\nBody"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Report saved to "))

	path := ts.SavedReport()
	assert.Equal(t, filepath.Join(ts.WorkDir, "AAPL_report.md"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n\nBody\n", string(data))

	_, err = call(t, ts.ExportTools(), "save_report", `{"content":"   "}`)
	assert.ErrorIs(t, err, report.ErrEmptyReport)
}
