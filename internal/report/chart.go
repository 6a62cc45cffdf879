// Package report renders what the agents produce: the normalized price chart
// as SVG, the Markdown report as sanitized HTML or styled terminal text, and
// the exported .md file.
package report

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChartFileName is the file the price chart is written to inside the work dir.
const ChartFileName = "normalized_prices.svg"

// ChartConfig holds SVG layout and colors. Sizes are in pixels.
type ChartConfig struct {
	Width, Height                                     int
	MarginTop, MarginRight, MarginBottom, MarginLeft int
	BgColor, GridColor, TextColor                     string
	FontSize                                          int
	Title                                             string
	ValueFormat                                       string // printf verb for Y labels
}

// DefaultChartConfig is an 800x400 chart with room for axis labels.
func DefaultChartConfig() ChartConfig {
	return ChartConfig{
		Width: 800, Height: 400,
		MarginTop: 40, MarginRight: 60, MarginBottom: 50, MarginLeft: 70,
		BgColor:     "#ffffff",
		GridColor:   "#e8e8e8",
		TextColor:   "#333333",
		FontSize:    11,
		ValueFormat: "%.1f",
	}
}

func (c ChartConfig) plotArea() (x, y, w, h int) {
	return c.MarginLeft, c.MarginTop,
		c.Width - c.MarginLeft - c.MarginRight,
		c.Height - c.MarginTop - c.MarginBottom
}

// LineChartSeries is one named line. Color is picked from the palette when empty.
type LineChartSeries struct {
	Name   string
	Values []float64
	Color  string
}

var palette = []string{"#2196f3", "#ff9800", "#4caf50", "#e91e63", "#9c27b0", "#00bcd4", "#795548", "#607d8b"}

const (
	gridLines  = 5
	xLabelStep = 6 // about this many date labels along the x axis
	refColor   = "#999999"
)

// plot maps data coordinates into the plot area.
type plot struct {
	x, y, w, h int
	lo, hi     float64
	points     int
}

func (p plot) px(i int) float64 {
	return float64(p.x) + float64(i)*float64(p.w)/float64(p.points-1)
}

func (p plot) py(v float64) float64 {
	return float64(p.y+p.h) - (v-p.lo)/(p.hi-p.lo)*float64(p.h)
}

// newPlot sizes the value axis to the finite values of every series with 5%
// headroom. ok is false when no line can be drawn.
func newPlot(cfg ChartConfig, series []LineChartSeries) (p plot, ok bool) {
	p.x, p.y, p.w, p.h = cfg.plotArea()
	p.lo, p.hi = math.Inf(1), math.Inf(-1)
	for _, s := range series {
		p.points = max(p.points, len(s.Values))
		for _, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			p.lo, p.hi = math.Min(p.lo, v), math.Max(p.hi, v)
		}
	}
	if p.points < 2 || p.lo > p.hi {
		return p, false
	}
	span := p.hi - p.lo
	if span < 0.001 {
		span = 1
	}
	p.lo -= span * 0.05
	p.hi += span * 0.05
	return p, true
}

// LineChart draws one or more series on a shared axis. labels annotate the x
// axis. A reference line is drawn at refLine when it falls inside the value
// range; pass NaN to omit it.
func LineChart(series []LineChartSeries, labels []string, refLine float64, cfg ChartConfig) string {
	if len(series) == 0 {
		return emptySVG(cfg, "No data")
	}
	if cfg.Width == 0 {
		title, format := cfg.Title, cfg.ValueFormat
		cfg = DefaultChartConfig()
		cfg.Title, cfg.ValueFormat = title, format
	}
	if cfg.Title == "" {
		cfg.Title = "Line Chart"
	}
	if cfg.ValueFormat == "" {
		cfg.ValueFormat = "%.1f"
	}

	p, ok := newPlot(cfg, series)
	if !ok {
		return emptySVG(cfg, "No data points")
	}

	var sb strings.Builder
	sb.WriteString(svgHeader(cfg))
	fmt.Fprintf(&sb, `<rect x="0" y="0" width="%d" height="%d" fill="%s"/>`, cfg.Width, cfg.Height, cfg.BgColor)
	fmt.Fprintf(&sb, `<text x="%d" y="20" font-size="14" font-weight="bold" fill="%s" text-anchor="middle">%s</text>`,
		cfg.Width/2, cfg.TextColor, escapeXML(cfg.Title))

	writeGrid(&sb, cfg, p)
	if !math.IsNaN(refLine) && refLine > p.lo && refLine < p.hi {
		y := p.py(refLine)
		fmt.Fprintf(&sb, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="%s" stroke-width="1"/>`,
			p.x, y, p.x+p.w, y, refColor)
	}
	for i, s := range series {
		color := s.Color
		if color == "" {
			color = palette[i%len(palette)]
		}
		writeLine(&sb, p, s.Values, color)
		writeLegendEntry(&sb, cfg, p, i, s.Name, color)
	}
	writeXLabels(&sb, cfg, p, labels)

	sb.WriteString("</svg>")
	return sb.String()
}

func writeGrid(sb *strings.Builder, cfg ChartConfig, p plot) {
	for i := 0; i <= gridLines; i++ {
		frac := float64(i) / gridLines
		y := p.y + p.h - int(float64(p.h)*frac)
		fmt.Fprintf(sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="%s" stroke-dasharray="3,3"/>`,
			p.x, y, p.x+p.w, y, cfg.GridColor)
		fmt.Fprintf(sb, `<text x="%d" y="%d" font-size="%d" fill="%s" text-anchor="end">%s</text>`,
			p.x-5, y+4, cfg.FontSize, cfg.TextColor, fmt.Sprintf(cfg.ValueFormat, p.lo+(p.hi-p.lo)*frac))
	}
}

// writeLine emits a path through the finite values, skipping gaps.
func writeLine(sb *strings.Builder, p plot, values []float64, color string) {
	var d strings.Builder
	n := 0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		cmd := 'L'
		if n == 0 {
			cmd = 'M'
		} else {
			d.WriteByte(' ')
		}
		fmt.Fprintf(&d, "%c%.1f,%.1f", cmd, p.px(i), p.py(v))
		n++
	}
	if n > 1 {
		fmt.Fprintf(sb, `<path d="%s" fill="none" stroke="%s" stroke-width="2"/>`, d.String(), color)
	}
}

func writeLegendEntry(sb *strings.Builder, cfg ChartConfig, p plot, i int, name, color string) {
	y := p.y + 10 + i*16
	fmt.Fprintf(sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="%s" stroke-width="2"/>`,
		p.x+10, y, p.x+30, y, color)
	fmt.Fprintf(sb, `<text x="%d" y="%d" font-size="10" fill="%s">%s</text>`,
		p.x+35, y+4, cfg.TextColor, escapeXML(name))
}

func writeXLabels(sb *strings.Builder, cfg ChartConfig, p plot, labels []string) {
	step := max(p.points/xLabelStep, 1)
	for i := 0; i < len(labels) && i < p.points; i += step {
		fmt.Fprintf(sb, `<text x="%.1f" y="%d" font-size="%d" fill="%s" text-anchor="middle">%s</text>`,
			p.px(i), p.y+p.h+18, cfg.FontSize-1, cfg.TextColor, escapeXML(labels[i]))
	}
}

// NormalizedSeries is one symbol's price path divided by its first close.
type NormalizedSeries struct {
	Symbol string
	Name   string
	Values []float64
}

// NormalizedPriceChart draws every series on one axis with a reference line
// at 1.0, labelled with the trading dates.
func NormalizedPriceChart(dates []time.Time, series []NormalizedSeries) string {
	cfg := DefaultChartConfig()
	cfg.Title = "Normalized Prices"
	cfg.ValueFormat = "%.2f"

	lines := make([]LineChartSeries, len(series))
	for i, s := range series {
		label := s.Symbol
		if s.Name != "" && s.Name != s.Symbol {
			label = fmt.Sprintf("%s (%s)", s.Name, s.Symbol)
		}
		lines[i] = LineChartSeries{Name: label, Values: s.Values}
	}
	labels := make([]string, len(dates))
	for i, d := range dates {
		labels[i] = d.Format("Jan 02")
	}
	return LineChart(lines, labels, 1.0, cfg)
}

// WriteChart writes an SVG document into dir/ChartFileName and returns its path.
func WriteChart(dir, svg string) (string, error) {
	if !strings.HasPrefix(svg, "<svg") {
		return "", errors.New("report: not an SVG document")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create chart dir: %w", err)
	}
	path := filepath.Join(dir, ChartFileName)
	if err := os.WriteFile(path, []byte(svg), 0o644); err != nil {
		return "", fmt.Errorf("write chart: %w", err)
	}
	return path, nil
}

// ChartPath returns dir/ChartFileName when that file exists.
func ChartPath(dir string) (string, bool) {
	path := filepath.Join(dir, ChartFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

func svgHeader(cfg ChartConfig) string {
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" font-family="sans-serif">`,
		cfg.Width, cfg.Height, cfg.Width, cfg.Height)
}

// emptySVG is a placeholder image carrying msg.
func emptySVG(cfg ChartConfig, msg string) string {
	w, h := cfg.Width, cfg.Height
	if w == 0 {
		w = 400
	}
	if h == 0 {
		h = 200
	}
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d"><rect width="%d" height="%d" fill="#f5f5f5"/><text x="%d" y="%d" text-anchor="middle" fill="#999" font-size="14">%s</text></svg>`,
		w, h, w, h, w/2, h/2, escapeXML(msg))
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escapeXML(s string) string { return xmlEscaper.Replace(s) }
