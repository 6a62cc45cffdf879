package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// PageData is everything the report page shows for one run.
type PageData struct {
	RunID      string
	Symbols    string
	Status     string
	Error      string
	ReportHTML template.HTML
	ChartURL   template.URL // empty when the run produced no chart
	CreatedAt  time.Time
	Elapsed    string
}

// Finished reports whether the page no longer needs to poll.
func (d PageData) Finished() bool {
	return d.Status == "done" || d.Status == "failed"
}

// NewPageData converts a Markdown report into page data. chartURL is trusted
// as is, so file:// links work for PDF export.
func NewPageData(runID, symbols, status, errMsg, markdown, chartURL string, created time.Time, elapsed string) PageData {
	d := PageData{
		RunID:     runID,
		Symbols:   symbols,
		Status:    status,
		Error:     errMsg,
		ChartURL:  template.URL(chartURL),
		CreatedAt: created,
		Elapsed:   elapsed,
	}
	if markdown != "" {
		d.ReportHTML = template.HTML(ToHTML(markdown))
	}
	return d
}

var pageTmpl = template.Must(template.New("report").Parse(PageTemplate))

// GeneratePage renders the report page.
func GeneratePage(d PageData) (string, error) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render report page: %w", err)
	}
	return buf.String(), nil
}

// PageTemplate is the HTML template for a single report run.
const PageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
{{if not .Finished}}<meta http-equiv="refresh" content="5">{{end}}
<title>Report {{.Symbols}}</title>
<style>
  :root {
    --bg: #ffffff;
    --text: #1a1a2e;
    --muted: #6b7280;
    --border: #e5e7eb;
    --accent: #2563eb;
    --red: #dc2626;
    --section-bg: #f8fafc;
  }
  * { box-sizing: border-box; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
    color: var(--text);
    background: var(--bg);
    line-height: 1.6;
    max-width: 900px;
    margin: 0 auto;
    padding: 20px;
  }
  h1 { font-size: 1.5rem; color: var(--accent); }
  h2 { font-size: 1.2rem; margin: 24px 0 12px; padding-bottom: 6px; border-bottom: 2px solid var(--accent); }
  .muted { color: var(--muted); font-size: 0.85rem; }
  .error { color: var(--red); background: #fef2f2; padding: 12px; border-radius: 8px; }
  .status { background: var(--section-bg); padding: 12px; border-radius: 8px; }
  figure { margin: 0 0 16px; text-align: center; }
  figure img { max-width: 100%; }
  figcaption { color: var(--muted); font-size: 0.85rem; }
  table { border-collapse: collapse; width: 100%; margin: 12px 0; font-size: 0.9rem; }
  th, td { border: 1px solid var(--border); padding: 6px 8px; text-align: left; }
  th { background: var(--section-bg); }
  pre, code { background: var(--section-bg); border-radius: 4px; }
  pre { padding: 8px; overflow-x: auto; }
</style>
</head>
<body>
<p class="muted"><a href="/">&larr; New analysis</a> &middot; {{.Symbols}} &middot; started {{.CreatedAt.Format "2006-01-02 15:04"}}{{if .Elapsed}} &middot; {{.Elapsed}}{{end}}</p>
{{if eq .Status "failed"}}
<div class="error"><strong>Run failed:</strong> {{.Error}}</div>
{{else if not .Finished}}
<div class="status">⏳ Agents are working on <strong>{{.Symbols}}</strong> ({{.Status}}). This page refreshes automatically.</div>
{{end}}
{{if or .ChartURL .ReportHTML}}
<hr>
<h2>📈 Final Report</h2>
{{if .ChartURL}}
<h3>📊 Normalized Price Chart</h3>
<figure><img src="{{.ChartURL}}" alt="Normalized Prices"><figcaption>Normalized Prices</figcaption></figure>
{{end}}
<article>{{.ReportHTML}}</article>
{{end}}
</body>
</html>`
