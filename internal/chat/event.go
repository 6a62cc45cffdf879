package chat

import (
	"context"
	"time"
)

// Event is one message as it travels between agents.
type Event struct {
	ChatID    string    `json:"chat_id"`
	Step      int       `json:"step"` // 1-based position in the chat sequence
	Nested    bool      `json:"nested"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Time      time.Time `json:"time"`
}

// Observer receives events synchronously; it must not block.
type Observer func(Event)

type nestedKey struct{}

func withNested(ctx context.Context) context.Context {
	return context.WithValue(ctx, nestedKey{}, true)
}

func isNested(ctx context.Context) bool {
	v, _ := ctx.Value(nestedKey{}).(bool)
	return v
}
