package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/minipilot/minipilot/internal/store"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

var ErrEmptyCompletion = errors.New("model returned an empty response")

// LLMService is the Gemini-backed Embedder and ChatModel.
type LLMService struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
}

func NewLLMService(ctx context.Context, apiKey, chatModel, embeddingModel string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &LLMService{
		client:         client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *LLMService) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *LLMService) chatSession(req CompletionRequest) *genai.ChatSession {
	model := s.client.GenerativeModel(s.chatModel)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}

	cs := model.StartChat()
	cs.History = toGeminiHistory(req.History)
	return cs
}

// toGeminiHistory maps stored messages to Gemini turns. Gemini expects the
// conversation to open with a user turn, so leading model turns left over
// from history trimming are dropped.
func toGeminiHistory(history []store.HistoryMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Type == store.MessageAI {
			role = "model"
		}
		if len(contents) == 0 && role != "user" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func (s *LLMService) GetChatCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("prompt is empty for chat completion")
	}

	resp, err := s.chatSession(req).SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// StreamChatCompletion forwards each text fragment to onChunk as it arrives.
func (s *LLMService) StreamChatCompletion(ctx context.Context, req CompletionRequest, onChunk func(string) error) error {
	if req.Prompt == "" {
		return fmt.Errorf("prompt is empty for chat completion")
	}

	iter := s.chatSession(req).SendMessageStream(ctx, genai.Text(req.Prompt))
	received := false
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("gemini chat stream failed: %w", err)
		}
		if text := responseText(resp); text != "" {
			received = true
			if err := onChunk(text); err != nil {
				return err
			}
		}
	}

	if !received {
		return ErrEmptyCompletion
	}
	return nil
}

func (s *LLMService) GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error) {
	model := s.client.GenerativeModel(s.chatModel)

	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)

	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	userPromptForTitle := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: \"%s\".", chatSummary)

	resp, err := model.GenerateContent(ctx, genai.Text(userPromptForTitle))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}

	title := responseText(resp)
	if title == "" {
		return "", fmt.Errorf("LLM generated an empty title string")
	}
	return cleanTitle(title), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	return b.String()
}

func cleanTitle(title string) string {
	return strings.Trim(title, "\"'\n\r\t .")
}
