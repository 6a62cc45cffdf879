package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/chat"
	"github.com/seenimoa/autostock/internal/logging"
	"github.com/seenimoa/autostock/internal/report"
	"github.com/seenimoa/autostock/internal/workflow"
	"github.com/seenimoa/autostock/pkg/utils"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E0B04A"))
	nestedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
	bodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).PaddingLeft(2)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149"))

	rule = strings.Repeat("═", 39)
)

// --- Run Command ---

var runCmd = &cobra.Command{
	Use:   "run [symbols...]",
	Short: "Generate a financial report for one or more stocks",
	Long: `Run the full agent team for the given stock symbols and print the final
report. Symbols may be separate arguments or comma-separated.

Examples:
  autostock run AAPL MSFT
  autostock run "AAPL, GOOGL, TSLA" --pdf report.pdf`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: requireValidConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		tickers := utils.ParseTickerArgs(args)
		if len(tickers) == 0 {
			return workflow.ErrNoTickers
		}
		quiet, _ := cmd.Flags().GetBool("quiet")
		width, _ := cmd.Flags().GetInt("width")
		pdfPath, _ := cmd.Flags().GetString("pdf")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, closeCache, err := newProvider(ctx)
		if err != nil {
			return err
		}
		defer closeCache()

		fmt.Println(titleStyle.Render("📊 AI Financial Report: " + utils.JoinTickers(tickers)))

		opts := []workflow.RunOption{workflow.WithRunID(uuid.NewString())}
		if !quiet {
			opts = append(opts, workflow.WithObserver(printEvent))
		}
		res, err := newPipeline(provider).Run(ctx, tickers, opts...)
		if err != nil {
			if res != nil && res.WorkDir != "" {
				logger.Info("partial output kept", zap.String("work_dir", res.WorkDir))
			}
			return err
		}

		rendered, err := report.ToTerminal(res.Report, width)
		if err != nil {
			logger.Warn("terminal rendering failed, printing markdown", zap.Error(err))
			rendered = res.Report + "\n"
		}
		fmt.Println()
		fmt.Println(titleStyle.Render("📈 Final Report"))
		fmt.Print(rendered)

		if res.ChartPath != "" {
			fmt.Printf("%s %s\n", okStyle.Render("chart: "), res.ChartPath)
		}
		if res.ReportPath != "" {
			fmt.Printf("%s %s\n", okStyle.Render("report:"), res.ReportPath)
		}
		fmt.Printf("%s %d tokens in %s\n", okStyle.Render("usage: "),
			res.Usage.TotalTokens, utils.Elapsed(res.StartedAt, res.FinishedAt))

		if pdfPath != "" {
			out, err := exportPDF(cmd, res, pdfPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", okStyle.Render("pdf:   "), out)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("quiet", false, "do not print agent messages while running")
	runCmd.Flags().Int("width", 100, "word wrap width for the rendered report")
	runCmd.Flags().String("pdf", "", "also export the report page as PDF to this path")
}

// printEvent shows one agent message as it is sent.
func printEvent(e chat.Event) {
	head := senderStyle.Render(e.Sender) + " → " + e.Recipient
	if e.Nested {
		head = nestedStyle.Render("  ↳ review: ") + head
	}
	fmt.Println(head)
	body := logging.Truncate(strings.TrimSpace(e.Content), 600)
	if body != "" {
		fmt.Println(bodyStyle.Render(body))
	}
}

// exportPDF renders the report page with the chart loaded from disk and
// converts it with whichever engine is installed.
func exportPDF(cmd *cobra.Command, res *workflow.Result, path string) (string, error) {
	chartURL := ""
	if res.ChartPath != "" {
		abs, err := filepath.Abs(res.ChartPath)
		if err != nil {
			return "", err
		}
		chartURL = "file://" + abs
	}
	page, err := report.GeneratePage(report.NewPageData(
		res.RunID, utils.JoinTickers(res.Tickers), "done", "",
		res.Report, chartURL, res.StartedAt, utils.Elapsed(res.StartedAt, res.FinishedAt)))
	if err != nil {
		return "", err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	out, err := report.ExportPDF(ctx, page, path)
	if err != nil {
		return "", fmt.Errorf("export pdf: %w", err)
	}
	if out != path {
		logger.Warn("no PDF engine found, wrote HTML instead", zap.String("path", out))
	}
	return out, nil
}
