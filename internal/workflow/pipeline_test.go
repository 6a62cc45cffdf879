package workflow

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/autostock/internal/chat"
	"github.com/seenimoa/autostock/internal/config"
	"github.com/seenimoa/autostock/internal/llm"
	"github.com/seenimoa/autostock/internal/report"
)

const finalReport = "# Final Report\n\n| Metric | AAPL | MSFT |\n|---|---|---|\n| P/E | 30 | 30 |"

// teamProvider plays every agent of the pipeline, choosing its answer from
// the system message and the conversation so far.
type teamProvider struct {
	mu      sync.Mutex
	drafts  int
	reviews int
}

func (p *teamProvider) Name() string                   { return "team" }
func (p *teamProvider) Models() []string               { return []string{"team"} }
func (p *teamProvider) Ping(ctx context.Context) error { return nil }

func (p *teamProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.Tool, opts *llm.ChatOptions) (<-chan llm.StreamChunk, error) {
	return nil, llm.ErrStreamClosed
}

func (p *teamProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.Tool, opts *llm.ChatOptions) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := func(s string) (*llm.Response, error) {
		return &llm.Response{Content: s, FinishReason: llm.FinishStop, Usage: llm.Usage{TotalTokens: 1}}, nil
	}
	toolCall := func(name, args string) (*llm.Response, error) {
		return &llm.Response{
			ToolCalls:    []llm.ToolCall{{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}},
			FinishReason: llm.FinishToolCalls,
			Usage:        llm.Usage{TotalTokens: 1},
		}, nil
	}

	last := msgs[len(msgs)-1]
	if last.Role == llm.RoleSystem {
		switch last.Content {
		case FinancialSummaryPrompt:
			return text(`{"AAPL": {"price": 108}, "figure": "normalized_prices.svg"}`)
		case ResearchSummaryPrompt:
			return text(`{"AAPL": ["Apple Inc. stock headline A"]}`)
		case ReviewerSummaryPrompt:
			p.reviews++
			return text("{'reviewer': 'r', 'review': 'ok'}")
		}
	}

	system := ""
	if msgs[0].Role == llm.RoleSystem {
		system = msgs[0].Content
	}
	switch system {
	case WriterSystemMessage:
		p.drafts++
		if p.drafts == 1 {
			return text("# Draft")
		}
		return text("```markdown\n" + finalReport + "\n```")
	case MetaReviewerSystemMessage:
		return text("Add a comparison table.")
	case LegalReviewerSystemMessage, ConsistencyReviewerSystemMessage,
		TextAlignmentReviewerSystemMessage, CompletionReviewerSystemMessage:
		return text("Looks fine.")
	}

	task := msgs[0].Content
	toolDone := last.Role == llm.RoleTool
	switch {
	case strings.HasPrefix(task, "Today is"):
		if toolDone {
			return text("AAPL trades at 108, chart saved.")
		}
		return toolCall("plot_normalized_prices", `{"symbols":["AAPL","MSFT"]}`)
	case strings.HasPrefix(task, "Investigate"):
		if toolDone {
			return text("Headlines collected.")
		}
		return toolCall("search_news_headlines", `{"query":"Apple Inc. stock"}`)
	case strings.HasPrefix(task, "Save the final report"):
		if toolDone {
			return text("Saved.")
		}
		return toolCall("save_report", `{"filename":"financial_report.md","content":"# Final Report"}`)
	}
	return text("")
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Executor.WorkDir = t.TempDir()
	return cfg
}

func TestPipelineRun(t *testing.T) {
	cfg := testConfig(t)
	provider := &teamProvider{}
	news := &fakeNews{}
	p := New(cfg, provider,
		WithStockData(newFakeStocks()),
		WithNewsSource(news),
		WithClock(func() time.Time { return time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC) }))

	var mu sync.Mutex
	var events []chat.Event
	res, err := p.Run(context.Background(), []string{"aapl, msft", ""},
		WithRunID("run-1"),
		WithObserver(func(e chat.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}))
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{"AAPL", "MSFT"}, res.Tickers)
	assert.Equal(t, "2025-06-30", res.Today)
	assert.Equal(t, finalReport, res.Report)
	assert.Equal(t, p.WorkDir("run-1"), res.WorkDir)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.Positive(t, res.Usage.TotalTokens)

	require.NotEmpty(t, res.ChartPath)
	_, err = os.Stat(res.ChartPath)
	assert.NoError(t, err)

	require.NotEmpty(t, res.ReportPath)
	saved, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, "# Final Report\n", string(saved))

	require.Len(t, res.ChatSummaries, 4)
	assert.Contains(t, res.ChatSummaries[0], "normalized_prices.svg")
	assert.Contains(t, res.ChatSummaries[1], "headline A")
	assert.Contains(t, res.ChatSummaries[2], "# Final Report")
	assert.Equal(t, []string{"Apple Inc. stock"}, news.queries)

	// Four reviewers ran for one draft.
	assert.Equal(t, 2, provider.drafts)
	assert.Equal(t, 4, provider.reviews)

	var opening, exportOpening string
	var nestedRecipients []string
	for _, e := range events {
		switch {
		case e.Step == 1 && !e.Nested && e.Sender == UserProxyName && opening == "":
			opening = e.Content
		case e.Step == 4 && !e.Nested && e.Recipient == ExporterName:
			exportOpening = e.Content
		case e.Nested && e.Sender == CriticName:
			nestedRecipients = append(nestedRecipients, e.Recipient)
		}
	}
	assert.True(t, strings.HasPrefix(opening, "Today is 2025-06-30.\nWhat are the current stock prices of AAPL, MSFT,"))
	assert.True(t, strings.HasSuffix(opening, "\nContext: \n"+ProceedCarryover))
	assert.True(t, strings.HasPrefix(exportOpening, ExportTask+"\nContext: \n"+ProceedCarryover+"\n"))
	assert.Contains(t, exportOpening, finalReport)
	assert.Equal(t, []string{
		LegalReviewerName, ConsistencyReviewerName, TextAlignmentReviewerName, CompletionReviewerName, MetaReviewerName,
	}, nestedRecipients)
}

func TestPipelineRun_NoTickers(t *testing.T) {
	p := New(testConfig(t), &teamProvider{}, WithStockData(newFakeStocks()), WithNewsSource(&fakeNews{}))
	_, err := p.Run(context.Background(), []string{" , "})
	assert.ErrorIs(t, err, ErrNoTickers)
}

func TestPipelineRun_EmptyReport(t *testing.T) {
	cfg := testConfig(t)
	silent := &silentProvider{}
	p := New(cfg, silent, WithStockData(newFakeStocks()), WithNewsSource(&fakeNews{}))
	res, err := p.Run(context.Background(), []string{"AAPL"})
	assert.ErrorIs(t, err, report.ErrEmptyReport)
	require.NotNil(t, res)
	assert.Len(t, res.ChatSummaries, 4)
}

func TestPipelineRun_DockerRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.UseDocker = true
	p := New(cfg, &teamProvider{}, WithStockData(newFakeStocks()), WithNewsSource(&fakeNews{}))
	_, err := p.Run(context.Background(), []string{"AAPL"})
	assert.Error(t, err)
}

func TestTeamWiring(t *testing.T) {
	p := New(testConfig(t), &teamProvider{}, WithStockData(newFakeStocks()), WithNewsSource(&fakeNews{}))
	tm, err := p.buildTeam(t.TempDir(), p.logger)
	require.NoError(t, err)

	assert.False(t, tm.proxy.HasLLM())
	assert.Len(t, tm.financial.Tools(), 6)
	assert.Len(t, tm.researcher.Tools(), 1)
	assert.Len(t, tm.exporter.Tools(), 1)
	assert.Empty(t, tm.writer.Tools())
	assert.Equal(t, WriterSystemMessage, tm.writer.SystemMessage())
	require.Len(t, tm.reviewers, 5)

	specs := tm.reviewChats()
	require.Len(t, specs, 5)
	for _, s := range specs[:4] {
		assert.Equal(t, chat.SummaryReflection, s.SummaryMethod)
		assert.Equal(t, ReviewerSummaryPrompt, s.SummaryPrompt)
		assert.Equal(t, 1, s.MaxTurns)
		assert.NotNil(t, s.MessageFunc)
	}
	assert.Equal(t, MetaReviewMessage, specs[4].Message)

	chats := tm.chats("2025-01-01", "AAPL")
	require.Len(t, chats, 4)
	assert.Equal(t, "Save the final report (only the report) to a .md file using a Python script.", chats[3].Message)
	assert.Equal(t, 2, chats[2].MaxTurns)
	assert.Equal(t, []string{WritingCarryover}, chats[2].Carryover)
	assert.Equal(t, chat.SummaryLastMsg, chats[2].SummaryMethod)
	assert.Same(t, tm.critic, chats[2].Sender)
}

func TestFinancialTaskNamesChartFile(t *testing.T) {
	task := FinancialTask("2025-01-01", "AAPL, MSFT")
	assert.Contains(t, task, "save it to a file named "+report.ChartFileName+".")
	assert.Contains(t, task, "Do not use API keys.")
	assert.Contains(t, WritingTask(), report.ChartFileName)
	assert.Equal(t, "Review the following content:\n\ndraft", ReviewMessage("draft"))
}

// silentProvider never says anything.
type silentProvider struct{}

func (silentProvider) Name() string                   { return "silent" }
func (silentProvider) Models() []string               { return nil }
func (silentProvider) Ping(ctx context.Context) error { return nil }
func (silentProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.Tool, opts *llm.ChatOptions) (*llm.Response, error) {
	return &llm.Response{FinishReason: llm.FinishStop}, nil
}
func (silentProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.Tool, opts *llm.ChatOptions) (<-chan llm.StreamChunk, error) {
	return nil, llm.ErrStreamClosed
}
