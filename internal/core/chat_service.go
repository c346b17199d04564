package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/minipilot/minipilot/internal/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	msgConversationTooLong = "This conversation is too long, started a new one"
	msgServerOverloaded    = "The server is overloaded, retry later. Thanks for your patience"
	msgAnswerFailed        = "I'm sorry, I encountered an error while processing your request."

	condenseQuestionPrompt = "Given the following conversation and a follow up question, " +
		"rephrase the follow up question to be a standalone question, in its original language. " +
		"Return only the standalone question.\n\nChat History:\n%s\nFollow Up Input: %s\nStandalone question:"

	interactionsLimit = 100
	titleTimeout      = 30 * time.Second
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrInteractionNotFound = errors.New("interaction not found")
)

// Answer is the outcome of one question.
type Answer struct {
	InteractionID string            `json:"interaction_id,omitempty"`
	Content       string            `json:"content"`
	References    []store.Reference `json:"references"`
	Cached        bool              `json:"cached"`
}

type ChatDetails struct {
	*store.Chat
	Messages     []store.HistoryMessage `json:"messages"`
	Interactions []store.Interaction    `json:"interactions"`
}

type ChatService struct {
	dbStore    *store.SQLiteStore
	history    *store.RedisHistory
	rag        *RAGService
	cache      *SemanticCache // nil when caching is disabled
	prompts    *PromptService
	model      ChatModel
	llmTimeout time.Duration
}

func NewChatService(db *store.SQLiteStore, history *store.RedisHistory, rag *RAGService, cache *SemanticCache,
	prompts *PromptService, model ChatModel, llmTimeout time.Duration) *ChatService {
	return &ChatService{
		dbStore:    db,
		history:    history,
		rag:        rag,
		cache:      cache,
		prompts:    prompts,
		model:      model,
		llmTimeout: llmTimeout,
	}
}

func (s *ChatService) GetUserByExternalID(externalUserID string) (*store.User, error) {
	return s.dbStore.GetUserByExternalID(externalUserID)
}

func (s *ChatService) CreateUser(externalUserID, passwordHash string) (*store.User, error) {
	return s.dbStore.CreateUser(externalUserID, passwordHash)
}

// CreateChat opens a chat and, when firstMessage is set, answers it right away.
func (s *ChatService) CreateChat(ctx context.Context, userID int64, firstMessage *string) (*store.Chat, *Answer, error) {
	chat, err := s.dbStore.CreateChat(userID, nil) // Title will be generated later
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat in DB: %w", err)
	}

	if firstMessage == nil || strings.TrimSpace(*firstMessage) == "" {
		return chat, nil, nil
	}

	answer, err := s.Ask(ctx, chat.ID, userID, *firstMessage, func(string) error { return nil })
	if err != nil {
		log.Printf("Failed to answer first message of chat %s: %v", chat.ID, err)
		return chat, nil, nil
	}
	return chat, answer, nil
}

func (s *ChatService) GetChats(userID int64) ([]store.Chat, error) {
	return s.dbStore.GetChatsByUserID(userID)
}

func (s *ChatService) GetChatDetails(ctx context.Context, chatID string, userID int64) (*ChatDetails, error) {
	chat, err := s.ownedChat(chatID, userID)
	if err != nil {
		return nil, err
	}

	messages, err := s.history.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for chat: %w", err)
	}
	interactions, err := s.dbStore.GetInteractionsByChatID(chatID, interactionsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get interactions for chat: %w", err)
	}
	return &ChatDetails{Chat: chat, Messages: messages, Interactions: interactions}, nil
}

// ResetHistory forgets the conversation; recorded interactions are kept.
func (s *ChatService) ResetHistory(ctx context.Context, chatID string, userID int64) error {
	if _, err := s.ownedChat(chatID, userID); err != nil {
		return err
	}
	return s.history.Clear(ctx, chatID)
}

func (s *ChatService) SetInteractionFeedback(interactionID string, userID int64, negative bool) error {
	err := s.dbStore.UpdateInteractionFeedback(interactionID, userID, negative)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInteractionNotFound
	}
	return err
}

func (s *ChatService) ownedChat(chatID string, userID int64) (*store.Chat, error) {
	chat, err := s.dbStore.GetChatByID(chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify chat: %w", err)
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}
	return chat, nil
}

type askResult struct {
	references []store.Reference
	cached     bool
}

// Ask answers question in the context of the chat, passing the answer to
// write as it is generated. If the model goes quiet for longer than the LLM
// timeout, the overloaded notice is written instead and generation is cancelled.
func (s *ChatService) Ask(ctx context.Context, chatID string, userID int64, question string, write func(string) error) (*Answer, error) {
	chat, err := s.ownedChat(chatID, userID)
	if err != nil {
		return nil, err
	}

	askCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string)
	results := make(chan askResult, 1)
	go func() {
		defer close(chunks)
		emit := func(chunk string) error {
			select {
			case chunks <- chunk:
				return nil
			case <-askCtx.Done():
				return askCtx.Err()
			}
		}
		results <- s.answer(askCtx, chatID, question, emit)
	}()

	start := time.Now()
	var (
		ttft     time.Duration
		content  strings.Builder
		writeErr error
		timedOut bool
	)

consume:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break consume
			}
			if ttft == 0 {
				ttft = time.Since(start)
			}
			content.WriteString(chunk)
			if writeErr == nil {
				if writeErr = write(chunk); writeErr != nil {
					cancel()
				}
			}
		case <-time.After(s.llmTimeout):
			log.Printf("No answer from the model for chat %s after %s", chatID, s.llmTimeout)
			timedOut = true
			cancel()
			break consume
		}
	}

	answer := &Answer{References: []store.Reference{}}
	if timedOut {
		answer.Content = msgServerOverloaded
		if writeErr == nil {
			writeErr = write(msgServerOverloaded)
		}
	} else {
		res := <-results
		answer.Content = content.String()
		answer.Cached = res.cached
		if res.references != nil {
			answer.References = res.references
		}
	}

	interaction := store.Interaction{
		ChatID:        chatID,
		Question:      question,
		Answer:        answer.Content,
		TTFTMillis:    ttft.Milliseconds(),
		ElapsedMillis: time.Since(start).Milliseconds(),
		Cached:        answer.Cached,
	}
	if err := s.dbStore.CreateInteraction(&interaction); err != nil {
		log.Printf("Failed to record interaction for chat %s: %v", chatID, err)
	} else {
		answer.InteractionID = interaction.ID
	}
	log.Printf("Answered in chat %s (ttft=%dms elapsed=%dms cached=%t)", chatID, interaction.TTFTMillis, interaction.ElapsedMillis, answer.Cached)

	if chat.Title == nil || *chat.Title == "" {
		go s.generateAndSaveChatTitle(chatID, userID, question)
	}

	if writeErr != nil {
		return answer, fmt.Errorf("failed to write answer: %w", writeErr)
	}
	return answer, nil
}

// answer is the producer side of Ask. Everything it has to say goes through emit.
func (s *ChatService) answer(ctx context.Context, chatID, question string, emit func(string) error) askResult {
	if s.cache != nil {
		hit, err := s.cache.Check(ctx, question)
		if err != nil {
			log.Printf("Semantic cache lookup failed, continuing without it: %v", err)
		} else if hit != nil {
			if err := emit(hit.Response); err != nil {
				return askResult{}
			}
			if _, err := s.cache.Rate(ctx, hit.ID); err != nil {
				log.Printf("Failed to rate cache entry %s: %v", hit.ID, err)
			}
			s.appendHistory(ctx, chatID, question, hit.Response, hit.References)
			return askResult{references: hit.References, cached: true}
		}
	}

	history, err := s.history.Messages(ctx, chatID)
	if err != nil {
		log.Printf("Error getting history for chat %s: %v. Proceeding without history.", chatID, err)
		history = nil
	}

	standalone := question
	if len(history) > 0 {
		standalone = s.condenseQuestion(ctx, history, question)
	}

	refs, err := s.rag.References(ctx, standalone, 0)
	if err != nil {
		log.Printf("Failed to get relevant context, proceeding without it: %v", err)
		refs = nil
	}

	system, user, err := s.prompts.Render(BuildContext(refs), question)
	if err != nil {
		log.Printf("Failed to render prompts for chat %s: %v", chatID, err)
		_ = emit(msgAnswerFailed)
		return askResult{}
	}

	var answer strings.Builder
	err = s.model.StreamChatCompletion(ctx, CompletionRequest{
		System:      system,
		History:     history,
		Prompt:      user,
		Temperature: temperature(1),
	}, func(chunk string) error {
		answer.WriteString(chunk)
		return emit(chunk)
	})
	if err != nil {
		if ctx.Err() != nil {
			return askResult{}
		}
		if status.Code(err) == codes.InvalidArgument {
			log.Printf("Warning: model rejected the conversation of chat %s, clearing history: %v", chatID, err)
			_ = emit(msgConversationTooLong)
			if err := s.history.Clear(ctx, chatID); err != nil {
				log.Printf("Failed to clear history of chat %s: %v", chatID, err)
			}
			return askResult{}
		}
		log.Printf("Error generating answer for chat %s: %v", chatID, err)
		_ = emit(msgAnswerFailed)
		return askResult{}
	}

	s.appendHistory(ctx, chatID, question, answer.String(), refs)

	// only questions that matched data are worth caching
	if len(refs) > 0 && s.cache != nil {
		if _, err := s.cache.Store(ctx, standalone, answer.String(), refs); err != nil {
			log.Printf("Failed to update semantic cache: %v", err)
		}
	}
	return askResult{references: refs}
}

// condenseQuestion rewrites a follow-up into a question that can be searched
// without the conversation. Failures fall back to the original question.
func (s *ChatService) condenseQuestion(ctx context.Context, history []store.HistoryMessage, question string) string {
	var transcript strings.Builder
	for _, msg := range history {
		speaker := "Human"
		if msg.Type == store.MessageAI {
			speaker = "Assistant"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", speaker, msg.Content)
	}

	standalone, err := s.model.GetChatCompletion(ctx, CompletionRequest{
		Prompt:      fmt.Sprintf(condenseQuestionPrompt, transcript.String(), question),
		Temperature: temperature(0),
	})
	if err != nil {
		log.Printf("Failed to condense question, using it as is: %v", err)
		return question
	}
	standalone = strings.TrimSpace(standalone)
	if standalone == "" {
		return question
	}
	return standalone
}

func (s *ChatService) appendHistory(ctx context.Context, chatID, question, answer string, refs []store.Reference) {
	err := s.history.Add(ctx, chatID,
		store.HistoryMessage{Type: store.MessageHuman, Content: question},
		store.HistoryMessage{Type: store.MessageAI, Content: answer, References: refs},
	)
	if err != nil {
		log.Printf("Failed to save history for chat %s: %v", chatID, err)
	}
}

func (s *ChatService) generateAndSaveChatTitle(chatID string, userID int64, basisContent string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	log.Printf("Attempting to generate title for chat %s", chatID)
	title, err := s.model.GenerateTitleForChat(ctx, basisContent)
	if err != nil {
		log.Printf("Failed to generate title for chat %s: %v", chatID, err)
		return
	}

	err = s.dbStore.UpdateChatTitle(chatID, userID, title)
	if err != nil {
		log.Printf("Failed to save generated title '%s' for chat %s: %v", title, chatID, err)
	} else {
		log.Printf("Successfully generated and saved title '%s' for chat %s", title, chatID)
	}
}
