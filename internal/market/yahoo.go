package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seenimoa/autostock/pkg/models"
)

// DefaultYahooBaseURL is the public Yahoo Finance query host.
const DefaultYahooBaseURL = "https://query1.finance.yahoo.com"

// Yahoo fetches quotes, daily history and fundamentals from Yahoo Finance.
type Yahoo struct {
	baseURL string
	client  *http.Client
	limiter *pacer

	quotes *ttlCache[*models.Quote]
	funds  *ttlCache[*models.Fundamentals]
	charts *ttlCache[*yfChartResult]
}

// YahooOption configures the Yahoo source.
type YahooOption func(*Yahoo)

// WithYahooBaseURL points the source at a different host (used by tests).
func WithYahooBaseURL(u string) YahooOption {
	return func(y *Yahoo) { y.baseURL = strings.TrimRight(u, "/") }
}

// WithYahooHTTPClient sets a custom HTTP client.
func WithYahooHTTPClient(c *http.Client) YahooOption {
	return func(y *Yahoo) { y.client = c }
}

// WithYahooCacheTTL sets how long quotes are cached. Price history is kept
// three times as long and fundamentals twelve times. Zero disables caching.
func WithYahooCacheTTL(ttl time.Duration) YahooOption {
	return func(y *Yahoo) { y.setCacheTTL(ttl) }
}

func (y *Yahoo) setCacheTTL(ttl time.Duration) {
	y.quotes = newTTLCache[*models.Quote](ttl)
	y.charts = newTTLCache[*yfChartResult](3 * ttl)
	y.funds = newTTLCache[*models.Fundamentals](12 * ttl)
}

// NewYahoo creates a new Yahoo Finance data source.
func NewYahoo(opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		baseURL: DefaultYahooBaseURL,
		client:  NewHTTPClient(),
		limiter: newPacer(5),
	}
	y.setCacheTTL(5 * time.Minute)
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Name returns the data source name.
func (y *Yahoo) Name() string { return "Yahoo Finance" }

// --- Yahoo Finance API types ---

type yfQuoteResponse struct {
	QuoteResponse struct {
		Result []yfQuoteResult `json:"result"`
		Error  *yfError        `json:"error"`
	} `json:"quoteResponse"`
}

type yfQuoteResult struct {
	Symbol                     string  `json:"symbol"`
	ShortName                  string  `json:"shortName"`
	LongName                   string  `json:"longName"`
	Currency                   string  `json:"currency"`
	FullExchangeName           string  `json:"fullExchangeName"`
	RegularMarketPrice         float64 `json:"regularMarketPrice"`
	RegularMarketChange        float64 `json:"regularMarketChange"`
	RegularMarketChangePercent float64 `json:"regularMarketChangePercent"`
	RegularMarketPreviousClose float64 `json:"regularMarketPreviousClose"`
	RegularMarketVolume        int64   `json:"regularMarketVolume"`
	MarketCap                  float64 `json:"marketCap"`
	FiftyTwoWeekHigh           float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow            float64 `json:"fiftyTwoWeekLow"`
	RegularMarketTime          int64   `json:"regularMarketTime"`
}

type yfChartResponse struct {
	Chart struct {
		Result []yfChartResult `json:"result"`
		Error  *yfError        `json:"error"`
	} `json:"chart"`
}

type yfChartResult struct {
	Meta       yfChartMeta  `json:"meta"`
	Timestamp  []int64      `json:"timestamp"`
	Indicators yfIndicators `json:"indicators"`
}

type yfChartMeta struct {
	Symbol              string  `json:"symbol"`
	Currency            string  `json:"currency"`
	ExchangeName        string  `json:"fullExchangeName"`
	LongName            string  `json:"longName"`
	ShortName           string  `json:"shortName"`
	RegularMarketPrice  float64 `json:"regularMarketPrice"`
	ChartPreviousClose  float64 `json:"chartPreviousClose"`
	RegularMarketVolume int64   `json:"regularMarketVolume"`
	FiftyTwoWeekHigh    float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow     float64 `json:"fiftyTwoWeekLow"`
	RegularMarketTime   int64   `json:"regularMarketTime"`
}

type yfIndicators struct {
	Quote    []yfOHLCV    `json:"quote"`
	AdjClose []yfAdjClose `json:"adjclose"`
}

type yfOHLCV struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}

type yfAdjClose struct {
	AdjClose []*float64 `json:"adjclose"`
}

type yfSummaryResponse struct {
	QuoteSummary struct {
		Result []yfSummaryResult `json:"result"`
		Error  *yfError          `json:"error"`
	} `json:"quoteSummary"`
}

type yfSummaryResult struct {
	Price *struct {
		LongName  string `json:"longName"`
		ShortName string `json:"shortName"`
	} `json:"price"`
	SummaryDetail *struct {
		TrailingPE    yfVal `json:"trailingPE"`
		ForwardPE     yfVal `json:"forwardPE"`
		DividendRate  yfVal `json:"dividendRate"`
		DividendYield yfVal `json:"dividendYield"`
	} `json:"summaryDetail"`
	DefaultKeyStatistics *struct {
		PriceToBook yfVal `json:"priceToBook"`
		ForwardPE   yfVal `json:"forwardPE"`
	} `json:"defaultKeyStatistics"`
	FinancialData *struct {
		DebtToEquity   yfVal `json:"debtToEquity"`
		ReturnOnEquity yfVal `json:"returnOnEquity"`
	} `json:"financialData"`
	AssetProfile *struct {
		Sector   string `json:"sector"`
		Industry string `json:"industry"`
	} `json:"assetProfile"`
}

// yfVal is Yahoo's {"raw": 1.23, "fmt": "1.23"} number wrapper.
type yfVal struct {
	Raw float64 `json:"raw"`
	Fmt string  `json:"fmt"`
}

type yfError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// --- Public methods ---

// Quote returns the current quote and full company name for a symbol.
// The v7 quote endpoint is tried first; when Yahoo rejects it, the chart
// metadata is used instead.
func (y *Yahoo) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	cacheKey := "quote:" + symbol
	if q, ok := y.quotes.get(cacheKey); ok {
		return q, nil
	}

	quote, err := y.quoteV7(ctx, symbol)
	if err != nil {
		quote, err = y.quoteFromChart(ctx, symbol)
		if err != nil {
			return nil, err
		}
	}
	if quote.LastPrice <= 0 {
		return nil, fmt.Errorf("%w: %s price %.2f", ErrBadPrice, symbol, quote.LastPrice)
	}

	y.quotes.put(cacheKey, quote)
	return quote, nil
}

// History returns daily candles for the symbol over a Yahoo range string
// such as "6mo" or "1y".
func (y *Yahoo) History(ctx context.Context, symbol, rng string) ([]models.OHLCV, error) {
	result, err := y.chart(ctx, symbol, rng)
	if err != nil {
		return nil, err
	}
	return parseYFCandles(*result), nil
}

// Performance computes the percentage change over the range from daily closes.
func (y *Yahoo) Performance(ctx context.Context, symbol, rng string) (*models.Performance, error) {
	if rng == "" {
		rng = "6mo"
	}
	candles, err := y.History(ctx, symbol, rng)
	if err != nil {
		return nil, err
	}
	perf, err := PerformanceOf(candles)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", symbol, err)
	}
	perf.Ticker = strings.ToUpper(symbol)
	perf.Range = rng
	return perf, nil
}

// Fundamentals returns valuation and balance-sheet ratios from quoteSummary.
func (y *Yahoo) Fundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	cacheKey := "fund:" + symbol
	if f, ok := y.funds.get(cacheKey); ok {
		return f, nil
	}

	modules := "price,summaryDetail,defaultKeyStatistics,financialData,assetProfile"
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=%s",
		y.baseURL, url.PathEscape(symbol), modules)

	var resp yfSummaryResponse
	if err := y.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("yahoo fundamentals %s: %w", symbol, err)
	}
	if resp.QuoteSummary.Error != nil {
		return nil, fmt.Errorf("yahoo API error: %s", resp.QuoteSummary.Error.Description)
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
	}

	r := resp.QuoteSummary.Result[0]
	f := &models.Fundamentals{Ticker: symbol}
	if r.Price != nil {
		f.Name = coalesce(r.Price.LongName, r.Price.ShortName)
	}
	if sd := r.SummaryDetail; sd != nil {
		f.TrailingPE = sd.TrailingPE.Raw
		f.ForwardPE = sd.ForwardPE.Raw
		f.DividendRate = sd.DividendRate.Raw
		f.DividendYield = sd.DividendYield.Raw
	}
	if ks := r.DefaultKeyStatistics; ks != nil {
		f.PriceToBook = ks.PriceToBook.Raw
		if f.ForwardPE == 0 {
			f.ForwardPE = ks.ForwardPE.Raw
		}
	}
	if fd := r.FinancialData; fd != nil {
		f.DebtToEquity = fd.DebtToEquity.Raw
		f.ROE = fd.ReturnOnEquity.Raw
	}
	if ap := r.AssetProfile; ap != nil {
		f.Sector = ap.Sector
		f.Industry = ap.Industry
	}

	y.funds.put(cacheKey, f)
	return f, nil
}

// --- Internal helpers ---

func (y *Yahoo) quoteV7(ctx context.Context, symbol string) (*models.Quote, error) {
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", y.baseURL, url.QueryEscape(symbol))

	var resp yfQuoteResponse
	if err := y.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("yahoo quote %s: %w", symbol, err)
	}
	if resp.QuoteResponse.Error != nil {
		return nil, fmt.Errorf("yahoo API error: %s", resp.QuoteResponse.Error.Description)
	}
	if len(resp.QuoteResponse.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
	}

	r := resp.QuoteResponse.Result[0]
	return &models.Quote{
		Ticker:     r.Symbol,
		Name:       coalesce(r.LongName, r.ShortName, r.Symbol),
		Currency:   r.Currency,
		Exchange:   r.FullExchangeName,
		LastPrice:  r.RegularMarketPrice,
		Change:     r.RegularMarketChange,
		ChangePct:  r.RegularMarketChangePercent,
		PrevClose:  r.RegularMarketPreviousClose,
		Volume:     r.RegularMarketVolume,
		MarketCap:  r.MarketCap,
		WeekHigh52: r.FiftyTwoWeekHigh,
		WeekLow52:  r.FiftyTwoWeekLow,
		Timestamp:  time.Unix(r.RegularMarketTime, 0),
	}, nil
}

func (y *Yahoo) quoteFromChart(ctx context.Context, symbol string) (*models.Quote, error) {
	result, err := y.chart(ctx, symbol, "5d")
	if err != nil {
		return nil, err
	}
	m := result.Meta
	q := &models.Quote{
		Ticker:     coalesce(m.Symbol, symbol),
		Name:       coalesce(m.LongName, m.ShortName, symbol),
		Currency:   m.Currency,
		Exchange:   m.ExchangeName,
		LastPrice:  m.RegularMarketPrice,
		PrevClose:  m.ChartPreviousClose,
		Volume:     m.RegularMarketVolume,
		WeekHigh52: m.FiftyTwoWeekHigh,
		WeekLow52:  m.FiftyTwoWeekLow,
		Timestamp:  time.Unix(m.RegularMarketTime, 0),
	}
	// chartPreviousClose is the close before the window; use the last two
	// daily closes when available.
	if candles := parseYFCandles(*result); len(candles) >= 2 {
		q.PrevClose = candles[len(candles)-2].Close
	}
	if q.PrevClose > 0 {
		q.Change = q.LastPrice - q.PrevClose
		q.ChangePct = q.Change / q.PrevClose * 100
	}
	return q, nil
}

func (y *Yahoo) chart(ctx context.Context, symbol, rng string) (*yfChartResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if rng == "" {
		rng = "6mo"
	}
	cacheKey := "chart:" + symbol + ":" + rng
	if r, ok := y.charts.get(cacheKey); ok {
		return r, nil
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d",
		y.baseURL, url.PathEscape(symbol), url.QueryEscape(rng))

	var resp yfChartResponse
	if err := y.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart error: %s", resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
	}

	result := &resp.Chart.Result[0]
	y.charts.put(cacheKey, result)
	return result, nil
}

func (y *Yahoo) getJSON(ctx context.Context, endpoint string, v any) error {
	if err := y.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := fetch(ctx, y.client, endpoint, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// parseYFCandles converts the columnar chart payload into candles, skipping
// days where Yahoo reports no close.
func parseYFCandles(result yfChartResult) []models.OHLCV {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}

	q := result.Indicators.Quote[0]
	var adjCloses []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjCloses = result.Indicators.AdjClose[0].AdjClose
	}

	candles := make([]models.OHLCV, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(q.Close) || q.Close[i] == nil {
			continue
		}
		c := models.OHLCV{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     *q.Close[i],
		}
		if i < len(q.Open) && q.Open[i] != nil {
			c.Open = *q.Open[i]
		}
		if i < len(q.High) && q.High[i] != nil {
			c.High = *q.High[i]
		}
		if i < len(q.Low) && q.Low[i] != nil {
			c.Low = *q.Low[i]
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			c.Volume = *q.Volume[i]
		}
		if i < len(adjCloses) && adjCloses[i] != nil {
			c.AdjClose = *adjCloses[i]
		}
		candles = append(candles, c)
	}
	return candles
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
