package report

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ════════════════════════════════════════════════════════════════════
// PDF Export: report page → PDF via wkhtmltopdf / chromium headless
// ════════════════════════════════════════════════════════════════════

// PDFEngine specifies which engine to use for HTML→PDF conversion.
type PDFEngine string

const (
	EngineWKHTML   PDFEngine = "wkhtmltopdf"
	EngineChromium PDFEngine = "chromium"
	EngineNone     PDFEngine = "none" // no engine; HTML is written instead
)

var chromiumNames = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// DetectPDFEngine checks which PDF engine is available on the system.
func DetectPDFEngine() PDFEngine {
	if _, err := lookPath("wkhtmltopdf"); err == nil {
		return EngineWKHTML
	}
	if chromiumBinary() != "" {
		return EngineChromium
	}
	return EngineNone
}

// ExportPDF writes the page HTML to outputPath as a PDF. The HTML should
// reference the chart by absolute file path so the engine can load it.
// Without an engine the HTML is written next to outputPath with a .html
// extension, and that path is returned.
func ExportPDF(ctx context.Context, html, outputPath string) (string, error) {
	if outputPath == "" {
		return "", fmt.Errorf("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	switch DetectPDFEngine() {
	case EngineWKHTML:
		return outputPath, runEngine(ctx, html, func(in string) *exec.Cmd {
			return exec.CommandContext(ctx, "wkhtmltopdf",
				"--page-size", "A4",
				"--margin-top", "15mm", "--margin-bottom", "15mm",
				"--margin-left", "10mm", "--margin-right", "10mm",
				"--encoding", "UTF-8",
				"--enable-local-file-access",
				"--quiet",
				in, outputPath)
		})
	case EngineChromium:
		abs, err := filepath.Abs(outputPath)
		if err != nil {
			return "", fmt.Errorf("resolving output path: %w", err)
		}
		return outputPath, runEngine(ctx, html, func(in string) *exec.Cmd {
			return exec.CommandContext(ctx, chromiumBinary(),
				"--headless", "--disable-gpu", "--no-sandbox",
				"--allow-file-access-from-files",
				"--print-to-pdf="+abs, "--print-to-pdf-no-header",
				"file://"+in)
		})
	default:
		return writeHTMLFallback(html, outputPath)
	}
}

func runEngine(ctx context.Context, html string, command func(in string) *exec.Cmd) error {
	tmp, err := os.CreateTemp("", "autostock-report-*.html")
	if err != nil {
		return fmt.Errorf("creating temp HTML: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(html); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp HTML: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	cmd := command(tmp.Name())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w\nOutput: %s", filepath.Base(cmd.Path), err, string(output))
	}
	return nil
}

func chromiumBinary() string {
	for _, name := range chromiumNames {
		if path, err := lookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func writeHTMLFallback(html, outputPath string) (string, error) {
	if ext := filepath.Ext(outputPath); strings.EqualFold(ext, ".pdf") {
		outputPath = strings.TrimSuffix(outputPath, ext) + ".html"
	}
	if err := os.WriteFile(outputPath, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("writing HTML fallback: %w", err)
	}
	return outputPath, nil
}
