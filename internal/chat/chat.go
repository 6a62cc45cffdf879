package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/llm"
)

// SummaryMethod selects how a finished chat is condensed.
type SummaryMethod string

const (
	SummaryLastMsg    SummaryMethod = "last_msg"
	SummaryReflection SummaryMethod = "reflection_with_llm"
)

// DefaultSummaryPrompt is used for reflection summaries without a prompt.
const DefaultSummaryPrompt = "Summarize the takeaway from the conversation. Do not add any introductory phrases."

// TerminationReason records why a chat stopped.
type TerminationReason string

const (
	TerminatedByMessage  TerminationReason = "termination_msg"
	TerminatedByMaxTurns TerminationReason = "max_turns"
	TerminatedByEmpty    TerminationReason = "empty_reply"
	TerminatedByMaxReply TerminationReason = "max_auto_reply"
)

// ChatSpec describes one conversation between two agents.
type ChatSpec struct {
	Sender    *Agent
	Recipient *Agent

	// Message opens the chat. MessageFunc, when set, replaces it and is
	// called with the initiating agent and its peer: the recipient for a
	// top-level chat, the trigger agent for a nested one.
	Message     string
	MessageFunc func(self, peer *Agent) string

	SummaryMethod SummaryMethod // default last_msg
	SummaryPrompt string

	// Carryover is appended to the opening message as context. Chats run by
	// InitiateChats also carry the summaries of the chats before them.
	Carryover []string

	MaxTurns    int  // 0 means until another condition ends the chat
	KeepHistory bool // keep the agents' previous history with each other
}

// ChatResult is the outcome of a chat.
type ChatResult struct {
	ChatID       string            `json:"chat_id"`
	History      []llm.Message     `json:"history"` // the sender's view
	Summary      string            `json:"summary"`
	Cost         llm.Usage         `json:"cost"`
	Turns        int               `json:"turns"`
	TerminatedBy TerminationReason `json:"terminated_by"`
	Duration     time.Duration     `json:"duration"`
}

type chatState struct {
	id   string
	step int
}

// InitiateChat runs a single chat to completion. The sender opens with the
// message plus carryover; the agents then alternate until the receiving
// agent's termination predicate matches, MaxTurns round trips complete, a
// reply is empty, or the replying agent reaches its auto-reply cap.
func InitiateChat(ctx context.Context, spec ChatSpec) (*ChatResult, error) {
	return initiateChat(ctx, spec, 1)
}

// InitiateChats runs specs in order. Each chat's carryover is extended with
// the summaries of all chats before it.
func InitiateChats(ctx context.Context, specs []ChatSpec) ([]*ChatResult, error) {
	results := make([]*ChatResult, 0, len(specs))
	var summaries []string
	for i, spec := range specs {
		carry := make([]string, 0, len(spec.Carryover)+len(summaries))
		carry = append(carry, spec.Carryover...)
		spec.Carryover = append(carry, summaries...)

		res, err := initiateChat(ctx, spec, i+1)
		if err != nil {
			return results, fmt.Errorf("chat %d: %w", i+1, err)
		}
		results = append(results, res)
		summaries = append(summaries, res.Summary)
	}
	return results, nil
}

func initiateChat(ctx context.Context, spec ChatSpec, step int) (*ChatResult, error) {
	sender, recipient := spec.Sender, spec.Recipient
	if sender == nil || recipient == nil {
		return nil, errors.New("chat: sender and recipient are required")
	}
	if sender == recipient {
		return nil, fmt.Errorf("chat: %s cannot chat with itself", sender.name)
	}

	start := time.Now()
	st := &chatState{id: uuid.NewString(), step: step}
	if !spec.KeepHistory {
		sender.ClearHistory(recipient)
		recipient.ClearHistory(sender)
	} else {
		sender.resetAutoReply(recipient)
		recipient.resetAutoReply(sender)
	}

	message := spec.Message
	if spec.MessageFunc != nil {
		message = spec.MessageFunc(sender, recipient)
	}
	message = withCarryover(message, spec.Carryover)

	sender.logger.Debug("chat started",
		zap.String("chat_id", st.id),
		zap.String("recipient", recipient.name),
		zap.Int("max_turns", spec.MaxTurns))

	res := &ChatResult{ChatID: st.id}
	from, to, content := sender, recipient, message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in := from.send(ctx, st, to, content)
		if from == recipient {
			res.Turns++
		}

		if to.isTermination(in) {
			res.TerminatedBy = TerminatedByMessage
			break
		}
		if spec.MaxTurns > 0 && res.Turns >= spec.MaxTurns {
			res.TerminatedBy = TerminatedByMaxTurns
			break
		}
		if !to.takeAutoReply(from) {
			res.TerminatedBy = TerminatedByMaxReply
			break
		}

		reply, usage, err := to.generateReply(ctx, from)
		if err != nil {
			return nil, err
		}
		res.Cost = res.Cost.Add(usage)
		if strings.TrimSpace(reply) == "" {
			res.TerminatedBy = TerminatedByEmpty
			break
		}
		from, to, content = to, from, reply
	}

	summary, usage, err := summarize(ctx, spec, sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("summarize %s→%s: %w", sender.name, recipient.name, err)
	}
	res.Summary = summary
	res.Cost = res.Cost.Add(usage)
	res.History = sender.ChatMessagesForSummary(recipient)
	res.Duration = time.Since(start)

	sender.logger.Debug("chat finished",
		zap.String("chat_id", st.id),
		zap.String("recipient", recipient.name),
		zap.Int("turns", res.Turns),
		zap.String("terminated_by", string(res.TerminatedBy)),
		zap.Int("tokens", res.Cost.TotalTokens))
	return res, nil
}

// withCarryover appends carryover context to the opening message.
func withCarryover(message string, carryover []string) string {
	if len(carryover) == 0 {
		return message
	}
	return message + "\nContext: \n" + strings.Join(carryover, "\n")
}

func summarize(ctx context.Context, spec ChatSpec, sender, recipient *Agent) (string, llm.Usage, error) {
	switch spec.SummaryMethod {
	case "", SummaryLastMsg:
		last, ok := recipient.LastMessage(sender)
		if !ok {
			return "", llm.Usage{}, nil
		}
		return strings.ReplaceAll(last.Content, "TERMINATE", ""), llm.Usage{}, nil
	case SummaryReflection:
		return reflect(ctx, spec.SummaryPrompt, sender, recipient)
	default:
		return "", llm.Usage{}, fmt.Errorf("unknown summary method %q", spec.SummaryMethod)
	}
}

// reflect asks a model to condense the recipient's view of the chat. The
// recipient's model is preferred; the sender's is used when it has none.
func reflect(ctx context.Context, prompt string, sender, recipient *Agent) (string, llm.Usage, error) {
	if prompt == "" {
		prompt = DefaultSummaryPrompt
	}
	agent := recipient
	if !agent.HasLLM() {
		agent = sender
	}
	if !agent.HasLLM() {
		return "", llm.Usage{}, ErrNoLLM
	}

	msgs := append(recipient.ChatMessagesForSummary(sender), llm.SystemMessage(prompt))
	resp, err := agent.provider.Chat(ctx, msgs, nil, agent.opts)
	if errors.Is(err, llm.ErrContextLength) {
		agent.logger.Warn("reflection summary skipped", zap.Error(err))
		return "", llm.Usage{}, nil
	}
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}
