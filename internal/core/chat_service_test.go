package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/minipilot/minipilot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const movieRow = "title: Avatar\ngenre: Sci-Fi"

func collect(chunks *[]string) func(string) error {
	return func(c string) error {
		*chunks = append(*chunks, c)
		return nil
	}
}

func TestChatService_AskStreamsAnswer(t *testing.T) {
	f := setupFixture(t)
	f.seedData(t, map[string][]float32{movieRow: {1, 0.1, 0}})
	f.embedder.set("best sci-fi movie?", 1, 0, 0)
	f.model.chunks = []string{"Avatar", " is great."}
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)
	ctx := context.Background()

	var written []string
	answer, err := svc.Ask(ctx, chat.ID, f.user.ID, "best sci-fi movie?", collect(&written))
	require.NoError(t, err)

	assert.Equal(t, []string{"Avatar", " is great."}, written)
	assert.Equal(t, "Avatar is great.", answer.Content)
	assert.False(t, answer.Cached)
	require.Len(t, answer.References, 1)
	assert.Equal(t, movieRow, answer.References[0].Content)
	assert.NotEmpty(t, answer.InteractionID)

	assert.Empty(t, f.model.completionRequests(), "no history, nothing to condense")
	reqs := f.model.streamRequests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, movieRow)
	assert.Equal(t, "Question: best sci-fi movie?", reqs[0].Prompt)
	require.NotNil(t, reqs[0].Temperature)
	assert.Equal(t, float32(1), *reqs[0].Temperature)
	assert.Empty(t, reqs[0].History)

	history, err := f.history.Messages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.MessageHuman, history[0].Type)
	assert.Equal(t, "best sci-fi movie?", history[0].Content)
	assert.Equal(t, store.MessageAI, history[1].Type)
	assert.Equal(t, "Avatar is great.", history[1].Content)
	assert.Len(t, history[1].References, 1)

	interactions, err := f.db.GetInteractionsByChatID(chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, answer.InteractionID, interactions[0].ID)
	assert.Equal(t, "Avatar is great.", interactions[0].Answer)
	assert.False(t, interactions[0].Cached)
}

func TestChatService_AskCondensesFollowUp(t *testing.T) {
	f := setupFixture(t)
	f.seedData(t, map[string][]float32{movieRow: {1, 0.1, 0}})
	f.embedder.set("Who directed Avatar?", 1, 0, 0)
	f.model.chunks = []string{"James Cameron."}
	f.model.condensed = "  Who directed Avatar?  "
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)
	ctx := context.Background()

	require.NoError(t, f.history.Add(ctx, chat.ID,
		store.HistoryMessage{Type: store.MessageHuman, Content: "best sci-fi movie?"},
		store.HistoryMessage{Type: store.MessageAI, Content: "Avatar."},
	))

	answer, err := svc.Ask(ctx, chat.ID, f.user.ID, "who directed it?", collect(new([]string)))
	require.NoError(t, err)
	assert.Len(t, answer.References, 1)

	completions := f.model.completionRequests()
	require.Len(t, completions, 1)
	assert.Contains(t, completions[0].Prompt, "Human: best sci-fi movie?\nAssistant: Avatar.\n")
	assert.Contains(t, completions[0].Prompt, "Follow Up Input: who directed it?")
	assert.Equal(t, float32(0), *completions[0].Temperature)

	assert.Contains(t, f.embedder.embedded(), "Who directed Avatar?")

	reqs := f.model.streamRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Question: who directed it?", reqs[0].Prompt)
	assert.Len(t, reqs[0].History, 2)

	history, err := f.history.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, "who directed it?", history[2].Content)
}

func TestChatService_AskConversationTooLong(t *testing.T) {
	f := setupFixture(t)
	f.model.streamErr = status.Error(codes.InvalidArgument, "request payload size exceeds the limit")
	f.model.condenseErr = status.Error(codes.InvalidArgument, "too long")
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)
	ctx := context.Background()

	require.NoError(t, f.history.Add(ctx, chat.ID, store.HistoryMessage{Type: store.MessageHuman, Content: "hi"}))

	var written []string
	answer, err := svc.Ask(ctx, chat.ID, f.user.ID, "and now?", collect(&written))
	require.NoError(t, err)
	assert.Equal(t, msgConversationTooLong, answer.Content)
	assert.Equal(t, []string{msgConversationTooLong}, written)

	history, err := f.history.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChatService_AskOtherModelError(t *testing.T) {
	f := setupFixture(t)
	f.model.streamErr = status.Error(codes.Unavailable, "backend down")
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)
	ctx := context.Background()

	answer, err := svc.Ask(ctx, chat.ID, f.user.ID, "hello?", collect(new([]string)))
	require.NoError(t, err)
	assert.Equal(t, msgAnswerFailed, answer.Content)

	history, err := f.history.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChatService_AskTimesOut(t *testing.T) {
	f := setupFixture(t)
	f.model.hang = true
	svc := f.chatService(nil, 50*time.Millisecond)
	chat := f.newChat(t)

	var written []string
	answer, err := svc.Ask(context.Background(), chat.ID, f.user.ID, "slow question", collect(&written))
	require.NoError(t, err)
	assert.Equal(t, msgServerOverloaded, answer.Content)
	assert.Equal(t, []string{msgServerOverloaded}, written)

	interactions, err := f.db.GetInteractionsByChatID(chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, msgServerOverloaded, interactions[0].Answer)
}

func TestChatService_AskServedFromCache(t *testing.T) {
	f := setupFixture(t)
	f.seedData(t, map[string][]float32{movieRow: {1, 0.1, 0}})
	f.embedder.set("best sci-fi movie?", 1, 0, 0)
	f.model.chunks = []string{"Avatar."}
	cache := NewSemanticCache(f.index, f.embedder, 0.1)
	svc := f.chatService(cache, time.Second)
	ctx := context.Background()

	first, err := svc.Ask(ctx, f.newChat(t).ID, f.user.ID, "best sci-fi movie?", collect(new([]string)))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	chat := f.newChat(t)
	var written []string
	second, err := svc.Ask(ctx, chat.ID, f.user.ID, "best sci-fi movie?", collect(&written))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "Avatar.", second.Content)
	assert.Equal(t, []string{"Avatar."}, written)
	require.Len(t, second.References, 1)
	assert.Equal(t, movieRow, second.References[0].Content)

	assert.Len(t, f.model.streamRequests(), 1, "second answer must not reach the model")

	hit, err := cache.Check(ctx, "best sci-fi movie?")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(1), f.index.Counter(hit.ID, "rating"))

	history, err := f.history.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	interactions, err := f.db.GetInteractionsByChatID(chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.True(t, interactions[0].Cached)
}

func TestChatService_AskWithoutReferencesSkipsCache(t *testing.T) {
	f := setupFixture(t)
	f.model.chunks = []string{"I don't have that information."}
	cache := NewSemanticCache(f.index, f.embedder, 0.1)
	svc := f.chatService(cache, time.Second)
	ctx := context.Background()

	_, err := svc.Ask(ctx, f.newChat(t).ID, f.user.ID, "weather?", collect(new([]string)))
	require.NoError(t, err)

	exists, err := f.index.IndexExists(ctx, CacheIndex)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChatService_AskUnknownChat(t *testing.T) {
	f := setupFixture(t)
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)

	_, err := svc.Ask(context.Background(), "missing", f.user.ID, "q", collect(new([]string)))
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = svc.Ask(context.Background(), chat.ID, f.user.ID+1, "q", collect(new([]string)))
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatService_GenerateTitle(t *testing.T) {
	f := setupFixture(t)
	f.model.chunks = []string{"ok"}
	f.model.title = "Sci-Fi Movies"
	svc := f.chatService(nil, time.Second)

	chat, answer, err := svc.CreateChat(context.Background(), f.user.ID, strPtr("best sci-fi movie?"))
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "ok", answer.Content)

	require.Eventually(t, func() bool {
		got, err := f.db.GetChatByID(chat.ID, f.user.ID)
		return err == nil && got.Title != nil && *got.Title == "Sci-Fi Movies"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatService_DetailsResetAndFeedback(t *testing.T) {
	f := setupFixture(t)
	f.model.chunks = []string{"answer"}
	svc := f.chatService(nil, time.Second)
	ctx := context.Background()

	chat, answer, err := svc.CreateChat(ctx, f.user.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, answer)
	require.NoError(t, f.db.UpdateChatTitle(chat.ID, f.user.ID, "Titled"))

	answer, err = svc.Ask(ctx, chat.ID, f.user.ID, "question", collect(new([]string)))
	require.NoError(t, err)

	details, err := svc.GetChatDetails(ctx, chat.ID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, details.ID)
	assert.Len(t, details.Messages, 2)
	assert.Len(t, details.Interactions, 1)

	_, err = svc.GetChatDetails(ctx, chat.ID, f.user.ID+1)
	assert.ErrorIs(t, err, ErrChatNotFound)

	require.NoError(t, svc.SetInteractionFeedback(answer.InteractionID, f.user.ID, true))
	assert.ErrorIs(t, svc.SetInteractionFeedback(answer.InteractionID, f.user.ID+1, true), ErrInteractionNotFound)
	assert.ErrorIs(t, svc.SetInteractionFeedback("missing", f.user.ID, true), ErrInteractionNotFound)

	require.NoError(t, svc.ResetHistory(ctx, chat.ID, f.user.ID))
	details, err = svc.GetChatDetails(ctx, chat.ID, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, details.Messages)
	require.Len(t, details.Interactions, 1)
	assert.True(t, details.Interactions[0].NegativeFeedback)

	assert.ErrorIs(t, svc.ResetHistory(ctx, "missing", f.user.ID), ErrChatNotFound)

	chats, err := svc.GetChats(f.user.ID)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestChatService_WriteFailureStopsAnswer(t *testing.T) {
	f := setupFixture(t)
	f.model.chunks = strings.Split("a b c d", " ")
	svc := f.chatService(nil, time.Second)
	chat := f.newChat(t)

	_, err := svc.Ask(context.Background(), chat.ID, f.user.ID, "q", func(string) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func strPtr(s string) *string { return &s }
