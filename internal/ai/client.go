package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult carries the assistant reply with the completion flag already
// split out; callers never see the raw completion marker.
type ChatResult struct {
	Message    string
	IsComplete bool
}

// Summary is the structured payload produced by the summarization workspace.
type Summary map[string]any

type Client interface {
	Chat(ctx context.Context, message, sessionID string) (ChatResult, error)
	Summarize(ctx context.Context, messages []Message, sessionID string) (Summary, error)
}
