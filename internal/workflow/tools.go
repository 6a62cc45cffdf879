package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/autostock/internal/llm"
	"github.com/seenimoa/autostock/internal/market"
	"github.com/seenimoa/autostock/internal/report"
	"github.com/seenimoa/autostock/pkg/models"
	"github.com/seenimoa/autostock/pkg/utils"
)

// StockData is the price and fundamentals source behind the financial tools.
// *market.Yahoo satisfies it.
type StockData interface {
	Quote(ctx context.Context, symbol string) (*models.Quote, error)
	History(ctx context.Context, symbol, rng string) ([]models.OHLCV, error)
	Performance(ctx context.Context, symbol, rng string) (*models.Performance, error)
	Fundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error)
}

// NewsSource is the headline search behind the research tool.
// *market.News satisfies it.
type NewsSource interface {
	Headlines(ctx context.Context, query string, limit int) ([]models.NewsArticle, error)
}

// Toolset builds the tools handed to the agents of one run. Files are
// written into WorkDir.
type Toolset struct {
	Stocks       StockData
	News         NewsSource
	WorkDir      string
	HistoryRange string // default "6mo"
	Headlines    int    // default 10
	Concurrency  int    // default 4

	mu        sync.Mutex
	savedPath string
}

// SavedReport returns the path written by save_report, if any.
func (t *Toolset) SavedReport() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.savedPath
}

// FinancialTools are given to the financial assistant.
func (t *Toolset) FinancialTools() []llm.Tool {
	symbols := llm.ArrayProp("Ticker symbols, e.g. [\"AAPL\", \"MSFT\"]", llm.StringProp("ticker symbol"))
	rng := llm.EnumProp("Yahoo range, default 6mo", "1mo", "3mo", "6mo", "1y", "2y", "5y")

	return []llm.Tool{
		{
			Name:        "get_stock_quote",
			Description: "Current price, full company name, currency and market cap for each symbol.",
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols}, "symbols"),
			Handler:     t.quotes,
		},
		{
			Name:        "get_price_performance",
			Description: "Percentage change from the first to the last daily close over a range, per symbol.",
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols, "range": rng}, "symbols"),
			Handler:     t.performance,
		},
		{
			Name:        "get_fundamentals",
			Description: "P/E, forward P/E, dividend rate and yield, price to book, debt/equity and ROE per symbol.",
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols}, "symbols"),
			Handler:     t.fundamentals,
		},
		{
			Name:        "get_technical_indicators",
			Description: "SMA 20/50, EMA 20, RSI 14, MACD 12/26/9 and Bollinger 20/2 at the last close, per symbol.",
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols, "range": rng}, "symbols"),
			Handler:     t.technicals,
		},
		{
			Name:        "plot_normalized_prices",
			Description: fmt.Sprintf("Plot each symbol's closes divided by its first close and save the figure as %s.", report.ChartFileName),
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols, "range": rng}, "symbols"),
			Handler:     t.plot,
		},
		{
			Name:        "get_correlation",
			Description: "Pairwise Pearson correlation of daily returns over a range.",
			Parameters:  llm.ObjectSchema("", map[string]*llm.JSONSchema{"symbols": symbols, "range": rng}, "symbols"),
			Handler:     t.correlation,
		},
	}
}

// ResearchTools are given to the researcher.
func (t *Toolset) ResearchTools() []llm.Tool {
	return []llm.Tool{{
		Name:        "search_news_headlines",
		Description: "Search Google News and Bing News for recent headlines with a keyword sentiment score. Use the company's full name.",
		Parameters: llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"query": llm.StringProp("search terms, e.g. \"Apple Inc. stock\""),
			"limit": llm.IntProp("maximum headlines, default 10"),
		}, "query"),
		Handler: t.headlines,
	}}
}

// ExportTools are given to the exporter.
func (t *Toolset) ExportTools() []llm.Tool {
	return []llm.Tool{{
		Name:        "save_report",
		Description: "Save the final Markdown report to a .md file in the working directory.",
		Parameters: llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"filename": llm.StringProp("file name, e.g. financial_report.md"),
			"content":  llm.StringProp("the report in Markdown"),
		}, "content"),
		Handler: t.saveReport,
	}}
}

// ── Handlers ──

type symbolArgs struct {
	Symbols []string `json:"symbols"`
	Range   string   `json:"range"`
}

// symbolResult is one symbol's entry in a tool reply. Errors are reported
// per symbol so the model can retry just the failed ones.
type symbolResult struct {
	Symbol string `json:"symbol"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (t *Toolset) parseSymbols(args json.RawMessage) (symbolArgs, error) {
	a, err := llm.DecodeArgs[symbolArgs](args)
	if err != nil {
		return a, err
	}
	a.Symbols = dedupe(utils.ParseTickers(strings.Join(a.Symbols, ",")))
	if len(a.Symbols) == 0 {
		return a, errors.New("symbols is required")
	}
	if a.Range == "" {
		a.Range = t.historyRange()
	}
	return a, nil
}

// perSymbol runs fn for every symbol with bounded concurrency and returns
// the results in input order.
func (t *Toolset) perSymbol(ctx context.Context, symbols []string, fn func(context.Context, string) (any, error)) []symbolResult {
	out := make([]symbolResult, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency())
	for i, sym := range symbols {
		g.Go(func() error {
			out[i].Symbol = sym
			data, err := fn(gctx, sym)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Data = data
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (t *Toolset) quotes(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	return toJSON(t.perSymbol(ctx, a.Symbols, func(ctx context.Context, sym string) (any, error) {
		q, err := t.Stocks.Quote(ctx, sym)
		if err != nil {
			return nil, err
		}
		if q.LastPrice <= 0 {
			return nil, fmt.Errorf("%w: price %.2f, retry with a better query", market.ErrBadPrice, q.LastPrice)
		}
		return q, nil
	}))
}

func (t *Toolset) performance(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	return toJSON(t.perSymbol(ctx, a.Symbols, func(ctx context.Context, sym string) (any, error) {
		return t.Stocks.Performance(ctx, sym, a.Range)
	}))
}

func (t *Toolset) fundamentals(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	return toJSON(t.perSymbol(ctx, a.Symbols, func(ctx context.Context, sym string) (any, error) {
		return t.Stocks.Fundamentals(ctx, sym)
	}))
}

func (t *Toolset) technicals(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	return toJSON(t.perSymbol(ctx, a.Symbols, func(ctx context.Context, sym string) (any, error) {
		candles, err := t.Stocks.History(ctx, sym, a.Range)
		if err != nil {
			return nil, err
		}
		return market.TechnicalsOf(candles)
	}))
}

// aligned fetches every symbol's history and keeps the common trading days.
func (t *Toolset) aligned(ctx context.Context, a symbolArgs) (*market.AlignedSeries, error) {
	var mu sync.Mutex
	history := make(map[string][]models.OHLCV, len(a.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency())
	for _, sym := range a.Symbols {
		g.Go(func() error {
			candles, err := t.Stocks.History(gctx, sym, a.Range)
			if err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
			mu.Lock()
			history[sym] = candles
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return market.Align(a.Symbols, history)
}

type plotResult struct {
	File   string             `json:"file"`
	Path   string             `json:"path"`
	Points int                `json:"points"`
	Start  string             `json:"start"`
	End    string             `json:"end"`
	Last   map[string]float64 `json:"normalized_last"`
}

func (t *Toolset) plot(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	al, err := t.aligned(ctx, a)
	if err != nil {
		return "", err
	}
	if len(al.Dates) < 2 {
		return "", fmt.Errorf("%w: symbols share fewer than 2 trading days", market.ErrNoData)
	}

	series := make([]report.NormalizedSeries, 0, len(al.Symbols))
	last := make(map[string]float64, len(al.Symbols))
	for _, sym := range al.Symbols {
		norm, err := market.Normalize(al.Closes[sym])
		if err != nil {
			return "", fmt.Errorf("%s: %w", sym, err)
		}
		name := ""
		if q, err := t.Stocks.Quote(ctx, sym); err == nil {
			name = q.Name
		}
		series = append(series, report.NormalizedSeries{Symbol: sym, Name: name, Values: norm})
		last[sym] = math.Round(norm[len(norm)-1]*10000) / 10000
	}

	path, err := report.WriteChart(t.WorkDir, report.NormalizedPriceChart(al.Dates, series))
	if err != nil {
		return "", err
	}
	return toJSON(plotResult{
		File:   report.ChartFileName,
		Path:   path,
		Points: len(al.Dates),
		Start:  utils.Today(al.Dates[0]),
		End:    utils.Today(al.Dates[len(al.Dates)-1]),
		Last:   last,
	})
}

func (t *Toolset) correlation(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := t.parseSymbols(args)
	if err != nil {
		return "", err
	}
	if len(a.Symbols) < 2 {
		return "", errors.New("correlation needs at least two symbols")
	}
	al, err := t.aligned(ctx, a)
	if err != nil {
		return "", err
	}
	m, err := market.CorrelationMatrix(al)
	if err != nil {
		return "", err
	}
	return toJSON(map[string]any{"range": a.Range, "days": len(al.Dates), "correlation": m})
}

type headlineArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *Toolset) headlines(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := llm.DecodeArgs[headlineArgs](args)
	if err != nil {
		return "", err
	}
	if a.Limit <= 0 {
		a.Limit = t.headlineLimit()
	}
	articles, err := t.News.Headlines(ctx, a.Query, a.Limit)
	if err != nil {
		return "", err
	}

	type headline struct {
		Title     string  `json:"title"`
		Source    string  `json:"source,omitempty"`
		Published string  `json:"published,omitempty"`
		URL       string  `json:"url,omitempty"`
		Sentiment string  `json:"sentiment"`
		Score     float64 `json:"score"`
	}
	scores, overall := market.ScoreArticles(articles)
	out := make([]headline, len(articles))
	for i, art := range articles {
		out[i] = headline{
			Title:     art.Title,
			Source:    art.Source,
			URL:       art.URL,
			Sentiment: scores[i].Label,
			Score:     scores[i].Score,
		}
		if !art.PublishedAt.IsZero() {
			out[i].Published = utils.Today(art.PublishedAt)
		}
	}
	return toJSON(map[string]any{"query": a.Query, "headlines": out, "overall_sentiment": overall})
}

type saveArgs struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (t *Toolset) saveReport(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := llm.DecodeArgs[saveArgs](args)
	if err != nil {
		return "", err
	}
	path, err := report.SaveMarkdown(t.WorkDir, a.Filename, a.Content)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.savedPath = path
	t.mu.Unlock()
	return "Report saved to " + path, nil
}

// ── Helpers ──

func (t *Toolset) historyRange() string {
	if t.HistoryRange == "" {
		return "6mo"
	}
	return t.HistoryRange
}

func (t *Toolset) headlineLimit() int {
	if t.Headlines <= 0 {
		return 10
	}
	return t.Headlines
}

func (t *Toolset) concurrency() int {
	if t.Concurrency <= 0 {
		return 4
	}
	return t.Concurrency
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := symbols[:0]
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}
