// Package chat is a small two-agent conversation runtime. Agents exchange
// messages until a termination condition holds; chats can be chained with
// carried-over summaries and an agent can answer a given peer by running a
// queue of nested chats with other agents.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/executor"
	"github.com/seenimoa/autostock/internal/llm"
)

// ErrNoLLM is returned when a summary needs a model and neither agent has one.
var ErrNoLLM = errors.New("chat: no agent in the conversation has an LLM")

const (
	defaultMaxAutoReply  = 10
	defaultLastNMessages = 3
	defaultMaxToolIter   = 10
)

// ── Agent ──

// Agent is a conversable participant. An agent with a Provider answers with
// the model; an agent with an Executor runs code blocks it receives; an agent
// with registered nested chats answers its trigger peer with their summary.
type Agent struct {
	name             string
	systemMessage    string
	provider         llm.LLMProvider
	opts             *llm.ChatOptions
	registry         *llm.ToolRegistry
	isTermination    func(llm.Message) bool
	executor         executor.Executor
	lastN            int
	maxToolIter      int
	maxAutoReply     int
	defaultAutoReply string
	observer         Observer
	logger           *zap.Logger

	mu         sync.Mutex
	history    map[string][]llm.Message // peer name → messages in this agent's view
	autoReplys map[string]int           // peer name → consecutive auto replies
	nested     *nestedChats
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Name          string
	SystemMessage string
	Provider      llm.LLMProvider // nil for agents that never call a model
	ChatOptions   *llm.ChatOptions
	Tools         []llm.Tool

	// IsTerminationMsg ends the chat when it matches a message this agent
	// receives. Nil never matches.
	IsTerminationMsg func(llm.Message) bool

	Executor      executor.Executor
	LastNMessages int // messages scanned for code blocks (default 3)

	MaxToolIter             int // tool-call loop bound per reply (default 10)
	MaxConsecutiveAutoReply int // replies per peer per chat (default 10)
	DefaultAutoReply        string
	Logger                  *zap.Logger
}

// NewAgent creates an agent from cfg.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.MaxToolIter <= 0 {
		cfg.MaxToolIter = defaultMaxToolIter
	}
	if cfg.MaxConsecutiveAutoReply <= 0 {
		cfg.MaxConsecutiveAutoReply = defaultMaxAutoReply
	}
	if cfg.LastNMessages <= 0 {
		cfg.LastNMessages = defaultLastNMessages
	}
	if cfg.IsTerminationMsg == nil {
		cfg.IsTerminationMsg = func(llm.Message) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Agent{
		name:             cfg.Name,
		systemMessage:    cfg.SystemMessage,
		provider:         cfg.Provider,
		opts:             cfg.ChatOptions,
		registry:         llm.NewToolRegistry(cfg.Tools...),
		isTermination:    cfg.IsTerminationMsg,
		executor:         cfg.Executor,
		lastN:            cfg.LastNMessages,
		maxToolIter:      cfg.MaxToolIter,
		maxAutoReply:     cfg.MaxConsecutiveAutoReply,
		defaultAutoReply: cfg.DefaultAutoReply,
		logger:           cfg.Logger.With(zap.String("agent", cfg.Name)),
		history:          make(map[string][]llm.Message),
		autoReplys:       make(map[string]int),
	}
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// SystemMessage returns the agent's system prompt.
func (a *Agent) SystemMessage() string { return a.systemMessage }

// HasLLM reports whether the agent can call a model.
func (a *Agent) HasLLM() bool { return a.provider != nil }

// Tools returns the agent's tools sorted by name.
func (a *Agent) Tools() []llm.Tool { return a.registry.List() }

// SetObserver sets the callback that receives every message this agent sends.
func (a *Agent) SetObserver(o Observer) { a.observer = o }

// ChatMessagesForSummary returns a copy of this agent's history with peer.
func (a *Agent) ChatMessagesForSummary(peer *Agent) []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.history[peer.name]
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastMessage returns the last message exchanged with peer.
func (a *Agent) LastMessage(peer *Agent) (llm.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.history[peer.name]
	if len(msgs) == 0 {
		return llm.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// ClearHistory forgets the conversation with peer and resets its reply counter.
func (a *Agent) ClearHistory(peer *Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.history, peer.name)
	delete(a.autoReplys, peer.name)
}

// RegisterNestedChats makes the agent answer trigger by running specs in
// sequence with itself as sender. The last chat's summary becomes the reply.
func (a *Agent) RegisterNestedChats(trigger *Agent, specs []ChatSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nested = &nestedChats{trigger: trigger, specs: specs}
}

type nestedChats struct {
	trigger *Agent
	specs   []ChatSpec
}

// GenerateReply produces this agent's next message to sender. The first
// applicable strategy wins: nested chats for the trigger peer, execution of
// code blocks received from sender, the model with tools, and finally the
// default auto reply.
func (a *Agent) GenerateReply(ctx context.Context, sender *Agent) (string, error) {
	reply, _, err := a.generateReply(ctx, sender)
	return reply, err
}

func (a *Agent) generateReply(ctx context.Context, sender *Agent) (string, llm.Usage, error) {
	a.mu.Lock()
	nested := a.nested
	a.mu.Unlock()

	if nested != nil && nested.trigger == sender {
		return a.replyFromNestedChats(ctx, nested)
	}

	if a.executor != nil {
		if blocks := a.pendingCodeBlocks(sender); len(blocks) > 0 {
			res, err := a.executor.Execute(ctx, blocks)
			if err != nil {
				return "", llm.Usage{}, fmt.Errorf("%s: execute code: %w", a.name, err)
			}
			return res.String(), llm.Usage{}, nil
		}
	}

	if a.provider != nil {
		return a.replyFromLLM(ctx, sender)
	}

	return a.defaultAutoReply, llm.Usage{}, nil
}

// pendingCodeBlocks scans, newest first, up to lastN messages received from
// sender since this agent last spoke, and returns the code blocks of the
// newest one that has any.
func (a *Agent) pendingCodeBlocks(sender *Agent) []executor.CodeBlock {
	msgs := a.ChatMessagesForSummary(sender)
	for i, scanned := len(msgs)-1, 0; i >= 0 && scanned < a.lastN; i, scanned = i-1, scanned+1 {
		m := msgs[i]
		if m.Role != llm.RoleUser {
			break
		}
		if blocks := executor.ExtractCodeBlocks(m.Content); len(blocks) > 0 {
			return blocks
		}
	}
	return nil
}

func (a *Agent) replyFromLLM(ctx context.Context, sender *Agent) (string, llm.Usage, error) {
	msgs := a.llmMessages(a.ChatMessagesForSummary(sender))

	resp, trace, err := llm.RunToolLoop(ctx, a.provider, a.registry, msgs, a.registry.List(), a.opts, a.maxToolIter)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("%s: %w", a.name, err)
	}

	if calls := len(trace) - len(msgs); calls > 0 {
		a.logger.Debug("tool loop finished", zap.Int("tool_messages", calls), zap.Int("tokens", resp.Usage.TotalTokens))
	}
	return resp.Content, resp.Usage, nil
}

func (a *Agent) llmMessages(history []llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if a.systemMessage != "" {
		msgs = append(msgs, llm.SystemMessage(a.systemMessage))
	}
	return append(msgs, history...)
}

func (a *Agent) replyFromNestedChats(ctx context.Context, n *nestedChats) (string, llm.Usage, error) {
	specs := make([]ChatSpec, len(n.specs))
	for i, s := range n.specs {
		s.Sender = a
		if s.MessageFunc != nil {
			s.Message = s.MessageFunc(a, n.trigger)
			s.MessageFunc = nil
		}
		specs[i] = s
	}

	a.logger.Debug("running nested chats", zap.String("trigger", n.trigger.name), zap.Int("chats", len(specs)))
	results, err := InitiateChats(withNested(ctx), specs)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("%s: nested chats: %w", a.name, err)
	}

	var usage llm.Usage
	for _, r := range results {
		usage = usage.Add(r.Cost)
	}
	if len(results) == 0 {
		return a.defaultAutoReply, usage, nil
	}
	return results[len(results)-1].Summary, usage, nil
}

// ── Message passing ──

// send delivers content from a to recipient. Both histories record it: as
// the assistant turn on a's side and the user turn on the recipient's.
func (a *Agent) send(ctx context.Context, st *chatState, recipient *Agent, content string) llm.Message {
	out := llm.Message{Role: llm.RoleAssistant, Content: content, Name: a.name}
	in := llm.Message{Role: llm.RoleUser, Content: content, Name: a.name}

	a.appendHistory(recipient, out)
	recipient.appendHistory(a, in)

	if a.observer != nil {
		a.observer(Event{
			ChatID:    st.id,
			Step:      st.step,
			Nested:    isNested(ctx),
			Sender:    a.name,
			Recipient: recipient.name,
			Content:   content,
			Time:      time.Now(),
		})
	}
	return in
}

func (a *Agent) appendHistory(peer *Agent, m llm.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[peer.name] = append(a.history[peer.name], m)
}

// takeAutoReply counts a reply to peer and reports whether the cap allowed it.
func (a *Agent) takeAutoReply(peer *Agent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.autoReplys[peer.name] >= a.maxAutoReply {
		return false
	}
	a.autoReplys[peer.name]++
	return true
}

func (a *Agent) resetAutoReply(peer *Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.autoReplys, peer.name)
}
