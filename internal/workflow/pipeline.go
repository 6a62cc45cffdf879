// Package workflow runs the report pipeline: data gathering, news research,
// writing with a nested review, and export, as four chained agent chats.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/chat"
	"github.com/seenimoa/autostock/internal/config"
	"github.com/seenimoa/autostock/internal/executor"
	"github.com/seenimoa/autostock/internal/llm"
	"github.com/seenimoa/autostock/internal/logging"
	"github.com/seenimoa/autostock/internal/market"
	"github.com/seenimoa/autostock/internal/report"
	"github.com/seenimoa/autostock/pkg/utils"
)

// ErrNoTickers is returned when the input holds no ticker symbols.
var ErrNoTickers = errors.New("workflow: no ticker symbols")

// Pipeline builds the agents for each run and drives their chats.
type Pipeline struct {
	cfg      *config.Config
	provider llm.LLMProvider
	stocks   StockData
	news     NewsSource
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStockData replaces the Yahoo Finance source.
func WithStockData(s StockData) Option { return func(p *Pipeline) { p.stocks = s } }

// WithNewsSource replaces the Google/Bing news source.
func WithNewsSource(n NewsSource) Option { return func(p *Pipeline) { p.news = n } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithClock sets the clock used for the prompt date.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a pipeline. provider serves every agent.
func New(cfg *config.Config, provider llm.LLMProvider, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, provider: provider, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}

	ttl := time.Duration(cfg.Market.CacheTTL) * time.Second
	if p.stocks == nil {
		yopts := []market.YahooOption{market.WithYahooCacheTTL(ttl)}
		if cfg.Market.YahooBaseURL != "" {
			yopts = append(yopts, market.WithYahooBaseURL(cfg.Market.YahooBaseURL))
		}
		p.stocks = market.NewYahoo(yopts...)
	}
	if p.news == nil {
		p.news = market.NewNewsWithEngines(
			market.GoogleNews(orDefault(cfg.Market.GoogleNewsURL, market.DefaultGoogleNewsURL)),
			market.BingNews(orDefault(cfg.Market.BingNewsURL, market.DefaultBingNewsURL)),
		)
	}
	return p
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID         string    `json:"run_id"`
	Tickers       []string  `json:"tickers"`
	Today         string    `json:"today"`
	Report        string    `json:"report"`
	ChartPath     string    `json:"chart_path,omitempty"`
	ReportPath    string    `json:"report_path,omitempty"` // file saved by the exporter
	WorkDir       string    `json:"work_dir"`
	ChatSummaries []string  `json:"chat_summaries"`
	Usage         llm.Usage `json:"usage"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	runID    string
	observer chat.Observer
}

// WithRunID fixes the run id; a new uuid is used otherwise.
func WithRunID(id string) RunOption { return func(o *runOptions) { o.runID = id } }

// WithObserver receives every agent message of the run, nested reviews included.
func WithObserver(obs chat.Observer) RunOption { return func(o *runOptions) { o.observer = obs } }

// WorkDir returns the directory a run writes its code, chart and report into.
func (p *Pipeline) WorkDir(runID string) string {
	return filepath.Join(p.cfg.Executor.WorkDir, runID)
}

// Run produces a report for tickers. The symbols are normalized and must not
// be empty.
func (p *Pipeline) Run(ctx context.Context, tickers []string, opts ...RunOption) (*Result, error) {
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}

	tickers = utils.ParseTickers(strings.Join(tickers, ","))
	if len(tickers) == 0 {
		return nil, ErrNoTickers
	}

	res := &Result{
		RunID:     ro.runID,
		Tickers:   tickers,
		Today:     utils.Today(p.now()),
		WorkDir:   p.WorkDir(ro.runID),
		StartedAt: time.Now(),
	}
	log := p.logger.With(zap.String("run_id", res.RunID))

	if err := os.MkdirAll(res.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	team, err := p.buildTeam(res.WorkDir, log)
	if err != nil {
		return nil, err
	}
	team.observe(func(e chat.Event) {
		log.Debug("message",
			zap.Int("step", e.Step),
			zap.Bool("nested", e.Nested),
			zap.String("from", e.Sender),
			zap.String("to", e.Recipient),
			zap.String("content", logging.Truncate(e.Content, 200)))
		if ro.observer != nil {
			ro.observer(e)
		}
	})

	stocks := utils.JoinTickers(tickers)
	log.Info("pipeline started", zap.String("symbols", stocks), zap.String("work_dir", res.WorkDir))

	results, err := chat.InitiateChats(ctx, team.chats(res.Today, stocks))
	for _, r := range results {
		res.ChatSummaries = append(res.ChatSummaries, r.Summary)
		res.Usage = res.Usage.Add(r.Cost)
	}
	if err != nil {
		return res, err
	}

	res.Report = report.Clean(lastSent(team.writer, team.critic))
	if res.Report == "" {
		return res, report.ErrEmptyReport
	}
	if path, ok := report.ChartPath(res.WorkDir); ok {
		res.ChartPath = path
	}
	res.ReportPath = team.tools.SavedReport()
	res.FinishedAt = time.Now()

	log.Info("pipeline finished",
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
		zap.Int("tokens", res.Usage.TotalTokens),
		zap.Bool("chart", res.ChartPath != ""))
	return res, nil
}

// team is the set of agents of one run.
type team struct {
	proxy      *chat.Agent
	financial  *chat.Agent
	researcher *chat.Agent
	writer     *chat.Agent
	exporter   *chat.Agent
	critic     *chat.Agent
	reviewers  []*chat.Agent // legal, consistency, text alignment, completion, meta
	tools      *Toolset
}

func (p *Pipeline) buildTeam(workDir string, log *zap.Logger) (*team, error) {
	exec, err := executor.NewFromConfig(p.cfg.Executor, workDir, log)
	if err != nil {
		return nil, err
	}
	tools := &Toolset{
		Stocks:       p.stocks,
		News:         p.news,
		WorkDir:      workDir,
		HistoryRange: p.cfg.Market.HistoryRange,
		Headlines:    p.cfg.Market.HeadlinesPerStock,
		Concurrency:  p.cfg.Market.ConcurrentFetches,
	}

	opts := &llm.ChatOptions{
		Model:       p.cfg.LLM.Model,
		Temperature: p.cfg.LLM.Temperature,
		MaxTokens:   p.cfg.LLM.MaxTokens,
	}
	assistant := func(name, system string, tools []llm.Tool, term func(llm.Message) bool) *chat.Agent {
		return chat.NewAgent(chat.AgentConfig{
			Name:                    name,
			SystemMessage:           system,
			Provider:                p.provider,
			ChatOptions:             opts,
			Tools:                   tools,
			IsTerminationMsg:        term,
			MaxToolIter:             p.cfg.Chat.MaxToolIterations,
			MaxConsecutiveAutoReply: p.cfg.Chat.MaxConsecutiveAutoReply,
			Logger:                  log,
		})
	}

	keyword := orDefault(p.cfg.Chat.TerminationKeyword, "TERMINATE")
	proxy := chat.NewAgent(chat.AgentConfig{
		Name:                    UserProxyName,
		Executor:                exec,
		LastNMessages:           p.cfg.Executor.LastNMessages,
		MaxConsecutiveAutoReply: p.cfg.Chat.MaxConsecutiveAutoReply,
		Logger:                  log,
	})
	critic := assistant(CriticName, CriticSystemMessage, nil, func(m llm.Message) bool {
		return strings.Contains(m.Content, keyword)
	})

	t := &team{
		proxy:      proxy,
		financial:  assistant(FinancialAssistantName, "", tools.FinancialTools(), nil),
		researcher: assistant(ResearcherName, "", tools.ResearchTools(), nil),
		writer:     assistant(WriterName, WriterSystemMessage, nil, nil),
		exporter:   assistant(ExporterName, "", tools.ExportTools(), nil),
		critic:     critic,
		reviewers: []*chat.Agent{
			assistant(LegalReviewerName, LegalReviewerSystemMessage, nil, nil),
			assistant(ConsistencyReviewerName, ConsistencyReviewerSystemMessage, nil, nil),
			assistant(TextAlignmentReviewerName, TextAlignmentReviewerSystemMessage, nil, nil),
			assistant(CompletionReviewerName, CompletionReviewerSystemMessage, nil, nil),
			assistant(MetaReviewerName, MetaReviewerSystemMessage, nil, nil),
		},
		tools: tools,
	}
	t.critic.RegisterNestedChats(t.writer, t.reviewChats())
	return t, nil
}

// reviewChats are run by the critic each time the writer sends a draft.
func (t *team) reviewChats() []chat.ChatSpec {
	reflection := func(self, peer *chat.Agent) string {
		last, _ := self.LastMessage(peer)
		return ReviewMessage(last.Content)
	}

	specs := make([]chat.ChatSpec, 0, len(t.reviewers))
	for _, r := range t.reviewers[:4] {
		specs = append(specs, chat.ChatSpec{
			Recipient:     r,
			MessageFunc:   reflection,
			SummaryMethod: chat.SummaryReflection,
			SummaryPrompt: ReviewerSummaryPrompt,
			MaxTurns:      1,
		})
	}
	return append(specs, chat.ChatSpec{
		Recipient: t.reviewers[4],
		Message:   MetaReviewMessage,
		MaxTurns:  1,
	})
}

// chats is the fixed four-step sequence.
func (t *team) chats(today, stocks string) []chat.ChatSpec {
	return []chat.ChatSpec{
		{
			Sender:        t.proxy,
			Recipient:     t.financial,
			Message:       FinancialTask(today, stocks),
			SummaryMethod: chat.SummaryReflection,
			SummaryPrompt: FinancialSummaryPrompt,
			Carryover:     []string{ProceedCarryover},
		},
		{
			Sender:        t.proxy,
			Recipient:     t.researcher,
			Message:       ResearchTask,
			SummaryMethod: chat.SummaryReflection,
			SummaryPrompt: ResearchSummaryPrompt,
			Carryover:     []string{ProceedCarryover},
		},
		{
			Sender:        t.critic,
			Recipient:     t.writer,
			Message:       WritingTask(),
			SummaryMethod: chat.SummaryLastMsg,
			Carryover:     []string{WritingCarryover},
			MaxTurns:      2,
		},
		{
			Sender:    t.proxy,
			Recipient: t.exporter,
			Message:   ExportTask,
			Carryover: []string{ProceedCarryover},
		},
	}
}

func (t *team) observe(obs chat.Observer) {
	agents := []*chat.Agent{t.proxy, t.financial, t.researcher, t.writer, t.exporter, t.critic}
	for _, a := range append(agents, t.reviewers...) {
		a.SetObserver(obs)
	}
}

// lastSent returns the newest message a sent to peer.
func lastSent(a, peer *chat.Agent) string {
	msgs := a.ChatMessagesForSummary(peer)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
