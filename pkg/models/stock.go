// Package models defines the core data structures used throughout AutoStock.
package models

import "time"

// OHLCV represents a single candlestick bar of price data.
type OHLCV struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	AdjClose  float64   `json:"adj_close,omitempty"`
}

// Quote represents a current stock quote together with the company's full name.
type Quote struct {
	Ticker     string    `json:"ticker"`
	Name       string    `json:"name"`
	Currency   string    `json:"currency,omitempty"`
	Exchange   string    `json:"exchange,omitempty"`
	LastPrice  float64   `json:"last_price"`
	Change     float64   `json:"change"`
	ChangePct  float64   `json:"change_pct"`
	PrevClose  float64   `json:"prev_close"`
	Volume     int64     `json:"volume"`
	MarketCap  float64   `json:"market_cap"`
	WeekHigh52 float64   `json:"week_high_52"`
	WeekLow52  float64   `json:"week_low_52"`
	Timestamp  time.Time `json:"timestamp"`
}

// Fundamentals holds the valuation and balance-sheet ratios included in reports.
// Ratios that Yahoo does not report for a company are left at zero.
type Fundamentals struct {
	Ticker        string  `json:"ticker"`
	Name          string  `json:"name,omitempty"`
	TrailingPE    float64 `json:"pe"`
	ForwardPE     float64 `json:"forward_pe"`
	DividendRate  float64 `json:"dividend_rate"`
	DividendYield float64 `json:"dividend_yield"` // fraction, 0.005 = 0.5%
	PriceToBook   float64 `json:"price_to_book"`
	DebtToEquity  float64 `json:"debt_to_equity"` // percent, as reported by Yahoo
	ROE           float64 `json:"roe"`            // fraction
	Sector        string  `json:"sector,omitempty"`
	Industry      string  `json:"industry,omitempty"`
}

// Performance summarizes price movement over a window.
type Performance struct {
	Ticker     string    `json:"ticker"`
	Range      string    `json:"range"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	StartPrice float64   `json:"start_price"`
	EndPrice   float64   `json:"end_price"`
	ChangePct  float64   `json:"change_pct"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
}

// NewsArticle is a single headline returned by a news search.
type NewsArticle struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Tickers     []string  `json:"tickers,omitempty"` // related tickers
}
