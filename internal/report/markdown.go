package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// ErrEmptyReport is returned when there is no report text to render or save.
var ErrEmptyReport = errors.New("report: empty report")

var fenceRe = regexp.MustCompile("(?s)^```(?:markdown|md)?\\s*\n(.*?)\n?```\\s*$")

// StripFences removes a single ```markdown fence wrapped around the whole text,
// which models add despite being told not to.
func StripFences(md string) string {
	md = strings.TrimSpace(md)
	if m := fenceRe.FindStringSubmatch(md); m != nil {
		return strings.TrimSpace(m[1])
	}
	return md
}

// StripTerminate drops a trailing TERMINATE marker left by the conversation.
func StripTerminate(md string) string {
	md = strings.TrimSpace(md)
	md = strings.TrimSuffix(md, "TERMINATE")
	return strings.TrimSpace(md)
}

// Clean applies StripTerminate and StripFences.
func Clean(md string) string {
	return StripFences(StripTerminate(md))
}

// ToHTML converts Markdown to sanitized HTML. Tables, autolinked headings and
// fenced code are supported; scripts and event handlers are removed.
func ToHTML(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	doc := p.Parse([]byte(Clean(md)))

	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	raw := markdown.Render(doc, renderer)

	policy := bluemonday.UGCPolicy()
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	return string(policy.SanitizeBytes(raw))
}

// ToTerminal renders Markdown for a terminal using glamour's automatic style.
func ToTerminal(md string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create terminal renderer: %w", err)
	}
	out, err := r.Render(Clean(md))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFileName turns an arbitrary name into a .md file name without path
// separators. An empty result falls back to "financial_report.md".
func SafeFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "financial_report"
	}
	return name + ".md"
}

// SaveMarkdown writes the cleaned report into dir under a sanitized file name
// and returns the written path.
func SaveMarkdown(dir, name, md string) (string, error) {
	md = Clean(md)
	if md == "" {
		return "", ErrEmptyReport
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, SafeFileName(name))
	if err := os.WriteFile(path, []byte(md+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
