package core

import (
	"context"

	"github.com/minipilot/minipilot/internal/store"
)

// Embedder turns text into a vector using the hosted embedding model.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// CompletionRequest is one call to the hosted chat model.
type CompletionRequest struct {
	System      string
	History     []store.HistoryMessage
	Prompt      string
	Temperature *float32
}

// ChatModel is the hosted completion API.
type ChatModel interface {
	GetChatCompletion(ctx context.Context, req CompletionRequest) (string, error)
	StreamChatCompletion(ctx context.Context, req CompletionRequest, onChunk func(string) error) error
	GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error)
}

func temperature(t float32) *float32 {
	return &t
}
