package report

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ════════════════════════════════════════════════════════════════════
// Charts
// ════════════════════════════════════════════════════════════════════

func TestLineChart_Basic(t *testing.T) {
	series := []LineChartSeries{
		{Name: "AAPL", Values: []float64{1, 1.05, 1.1, 1.02}},
		{Name: "MSFT", Values: []float64{1, 0.98, 0.95, 1.01}, Color: "#123456"},
	}
	svg := LineChart(series, []string{"a", "b", "c", "d"}, math.NaN(), DefaultChartConfig())

	if !strings.HasPrefix(svg, "<svg") || !strings.HasSuffix(svg, "</svg>") {
		t.Fatal("output is not an SVG document")
	}
	if strings.Count(svg, "<path") != 2 {
		t.Errorf("expected 2 paths, got %d", strings.Count(svg, "<path"))
	}
	if !strings.Contains(svg, "#123456") {
		t.Error("explicit series color not used")
	}
	if !strings.Contains(svg, ">AAPL<") {
		t.Error("legend missing")
	}
}

func TestLineChart_Empty(t *testing.T) {
	svg := LineChart(nil, nil, math.NaN(), ChartConfig{})
	if !strings.Contains(svg, "No data") {
		t.Error("empty chart should say No data")
	}
}

func TestLineChart_SinglePoint(t *testing.T) {
	svg := LineChart([]LineChartSeries{{Name: "X", Values: []float64{1}}}, nil, math.NaN(), ChartConfig{})
	if !strings.Contains(svg, "No data points") {
		t.Error("single point cannot be drawn as a line")
	}
	if strings.Contains(svg, "Inf") || strings.Contains(svg, "NaN") {
		t.Error("coordinates must be finite")
	}
}

func TestLineChart_NaNSkipped(t *testing.T) {
	svg := LineChart([]LineChartSeries{{Name: "X", Values: []float64{1, math.NaN(), 2}}}, nil, math.NaN(), ChartConfig{})
	if strings.Contains(svg, "NaN") {
		t.Error("NaN leaked into SVG")
	}
}

func TestLineChart_RefLine(t *testing.T) {
	series := []LineChartSeries{{Name: "X", Values: []float64{0.9, 1.2}}}
	with := LineChart(series, nil, 1.0, ChartConfig{})
	without := LineChart(series, nil, math.NaN(), ChartConfig{})
	if !strings.Contains(with, `stroke="#999999"`) {
		t.Error("reference line missing")
	}
	if strings.Contains(without, `stroke="#999999"`) {
		t.Error("reference line drawn when disabled")
	}
}

func TestNormalizedPriceChart(t *testing.T) {
	d0 := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	dates := []time.Time{d0, d0.AddDate(0, 0, 1), d0.AddDate(0, 0, 2)}
	svg := NormalizedPriceChart(dates, []NormalizedSeries{
		{Symbol: "AAPL", Name: "Apple Inc.", Values: []float64{1, 1.1, 1.2}},
		{Symbol: "T", Values: []float64{1, 0.9, 0.95}},
	})
	for _, want := range []string{"Normalized Prices", "Apple Inc. (AAPL)", ">T<", "Jan 02"} {
		if !strings.Contains(svg, want) {
			t.Errorf("chart missing %q", want)
		}
	}
}

func TestWriteChartAndChartPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "coding")
	if _, ok := ChartPath(dir); ok {
		t.Fatal("no chart should exist yet")
	}
	path, err := WriteChart(dir, `<svg xmlns="http://www.w3.org/2000/svg"></svg>`)
	if err != nil {
		t.Fatalf("WriteChart: %v", err)
	}
	if filepath.Base(path) != ChartFileName {
		t.Errorf("chart file = %s", path)
	}
	got, ok := ChartPath(dir)
	if !ok || got != path {
		t.Errorf("ChartPath = %q, %v", got, ok)
	}
	if _, err := WriteChart(dir, "not svg"); err == nil {
		t.Error("expected error for non-SVG content")
	}
}

func TestEscapeXML(t *testing.T) {
	if got := escapeXML(`AT&T <"x">`); got != "AT&amp;T &lt;&quot;x&quot;&gt;" {
		t.Errorf("escapeXML = %q", got)
	}
}

func TestPlotArea(t *testing.T) {
	x, y, w, h := DefaultChartConfig().plotArea()
	if x != 70 || y != 40 || w != 670 || h != 310 {
		t.Errorf("plotArea = %d,%d,%d,%d", x, y, w, h)
	}
}

// ════════════════════════════════════════════════════════════════════
// Markdown
// ════════════════════════════════════════════════════════════════════

func TestStripFences(t *testing.T) {
	tests := []struct{ in, want string }{
		{"```markdown\n# Title\nbody\n```", "# Title\nbody"},
		{"```\n# T\n```\n", "# T"},
		{"# Plain", "# Plain"},
		{"text\n```go\ncode\n```\nmore", "text\n```go\ncode\n```\nmore"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClean(t *testing.T) {
	if got := Clean("```md\n# R\n```\nTERMINATE"); got != "# R" {
		t.Errorf("Clean = %q", got)
	}
}

func TestToHTML(t *testing.T) {
	md := "# Report\n\n| Metric | AAPL |\n|---|---|\n| P/E | 31.5 |\n\n<script>alert(1)</script>\n\n[src](https://example.com)"
	out := ToHTML(md)

	if !strings.Contains(out, "<h1") || !strings.Contains(out, "Report</h1>") {
		t.Errorf("heading missing: %s", out)
	}
	if !strings.Contains(out, "<table>") || !strings.Contains(out, "<td>31.5</td>") {
		t.Errorf("table missing: %s", out)
	}
	if strings.Contains(out, "<script") {
		t.Error("script tag survived sanitizing")
	}
	if !strings.Contains(out, `target="_blank"`) {
		t.Errorf("external links should open in a new tab: %s", out)
	}
}

func TestToTerminal(t *testing.T) {
	out, err := ToTerminal("# Heading\n\nSome **bold** text.", 60)
	if err != nil {
		t.Fatalf("ToTerminal: %v", err)
	}
	if !strings.Contains(out, "Heading") || !strings.Contains(out, "bold") {
		t.Errorf("rendered output lost content: %q", out)
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.md", "report.md"},
		{"My Report 2025", "My_Report_2025.md"},
		{"../../etc/passwd", "passwd.md"},
		{"", "financial_report.md"},
		{"///", "financial_report.md"},
	}
	for _, tt := range tests {
		if got := SafeFileName(tt.in); got != tt.want {
			t.Errorf("SafeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveMarkdown(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveMarkdown(dir, "final", "```markdown\n# Final\n```")
	if err != nil {
		t.Fatalf("SaveMarkdown: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Final\n" {
		t.Errorf("saved content = %q", data)
	}
	if _, err := SaveMarkdown(dir, "x", "  TERMINATE "); err != ErrEmptyReport {
		t.Errorf("err = %v, want ErrEmptyReport", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Page
// ════════════════════════════════════════════════════════════════════

func TestGeneratePage_Done(t *testing.T) {
	d := NewPageData("r1", "AAPL, MSFT", "done", "", "## Summary\n\nGood.", "/reports/r1/chart.svg",
		time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC), "1m2s")
	html, err := GeneratePage(d)
	if err != nil {
		t.Fatalf("GeneratePage: %v", err)
	}
	for _, want := range []string{"📈 Final Report", "📊 Normalized Price Chart", `src="/reports/r1/chart.svg"`, "Summary</h2>", "2025-01-02 03:04"} {
		if !strings.Contains(html, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if strings.Contains(html, `http-equiv="refresh"`) {
		t.Error("finished page should not auto-refresh")
	}
	if strings.Index(html, "Normalized Price Chart") > strings.Index(html, "Summary</h2>") {
		t.Error("chart should precede the report body")
	}
}

func TestGeneratePage_Running(t *testing.T) {
	html, err := GeneratePage(NewPageData("r2", "TSLA", "running", "", "", "", time.Now(), ""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, `http-equiv="refresh"`) {
		t.Error("running page should auto-refresh")
	}
	if strings.Contains(html, "Final Report") {
		t.Error("no report section before the report exists")
	}
}

func TestGeneratePage_FileChart(t *testing.T) {
	html, err := GeneratePage(NewPageData("r4", "AAPL", "done", "", "Body", "file:///tmp/run/normalized_prices.svg", time.Now(), ""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, `src="file:///tmp/run/normalized_prices.svg"`) {
		t.Error("file chart URL should be kept for PDF export")
	}
}

func TestGeneratePage_Failed(t *testing.T) {
	html, err := GeneratePage(NewPageData("r3", "X", "failed", "boom <b>", "", "", time.Now(), ""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "boom &lt;b&gt;") {
		t.Error("error message should be escaped")
	}
}

// ════════════════════════════════════════════════════════════════════
// PDF
// ════════════════════════════════════════════════════════════════════

func TestExportPDF_HTMLFallback(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	defer func() { lookPath = orig }()

	out := filepath.Join(t.TempDir(), "sub", "report.pdf")
	path, err := ExportPDF(context.Background(), "<html>x</html>", out)
	if err != nil {
		t.Fatalf("ExportPDF: %v", err)
	}
	if !strings.HasSuffix(path, "report.html") {
		t.Errorf("fallback path = %s", path)
	}
	if data, _ := os.ReadFile(path); string(data) != "<html>x</html>" {
		t.Errorf("fallback content = %q", data)
	}
}

func TestExportPDF_NoOutputPath(t *testing.T) {
	if _, err := ExportPDF(context.Background(), "x", ""); err == nil {
		t.Error("expected error for empty output path")
	}
}

func TestDetectPDFEngine(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", exec.ErrNotFound
	}
	if got := DetectPDFEngine(); got != EngineChromium {
		t.Errorf("DetectPDFEngine = %s, want chromium", got)
	}
}
