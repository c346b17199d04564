package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var defaultVector = []float32{0, 0, 1}

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	fail    map[string]bool
	calls   []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}, fail: map[string]bool{}}
}

func (e *fakeEmbedder) set(text string, vec ...float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vec
}

func (e *fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	if e.fail[text] {
		return nil, errors.New("embedding failed")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return defaultVector, nil
}

func (e *fakeEmbedder) embedded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type fakeModel struct {
	mu          sync.Mutex
	chunks      []string
	streamErr   error
	hang        bool // stream blocks until its context ends
	condensed   string
	condenseErr error
	title       string

	streams     []CompletionRequest
	completions []CompletionRequest
}

func (m *fakeModel) GetChatCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, req)
	if m.condenseErr != nil {
		return "", m.condenseErr
	}
	return m.condensed, nil
}

func (m *fakeModel) StreamChatCompletion(ctx context.Context, req CompletionRequest, onChunk func(string) error) error {
	m.mu.Lock()
	m.streams = append(m.streams, req)
	chunks, streamErr, hang := m.chunks, m.streamErr, m.hang
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if streamErr != nil {
		return streamErr
	}
	for _, c := range chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeModel) GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.title == "" {
		return "", errors.New("no title")
	}
	return m.title, nil
}

func (m *fakeModel) streamRequests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.streams...)
}

func (m *fakeModel) completionRequests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.completions...)
}

type fixture struct {
	db       *store.SQLiteStore
	history  *store.RedisHistory
	index    *vectorstore.MemoryIndex
	embedder *fakeEmbedder
	model    *fakeModel
	prompts  *PromptService
	rag      *RAGService
	user     *store.User
}

func setupStore(t *testing.T) *store.SQLiteStore {
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupFixture(t *testing.T) *fixture {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := setupStore(t)
	prompts := NewPromptService(db, PromptDefaults{System: defaultSystemPrompt, User: defaultUserPrompt})
	require.NoError(t, prompts.EnsureDefaults())

	user, err := db.CreateUser("alice", "hash")
	require.NoError(t, err)

	index := vectorstore.NewMemoryIndex()
	embedder := newFakeEmbedder()
	return &fixture{
		db:       db,
		history:  store.NewRedisHistory(client, time.Hour, 20),
		index:    index,
		embedder: embedder,
		model:    &fakeModel{},
		prompts:  prompts,
		rag:      NewRAGService(index, embedder, 3, 0.7),
		user:     user,
	}
}

// seedData creates a current data index holding the given rows.
func (f *fixture) seedData(t *testing.T, rows map[string][]float32) {
	ctx := context.Background()
	const name = "minipilot_rag_movies_20240101_000000_idx"
	require.NoError(t, f.index.CreateIndex(ctx, name, 3))
	docs := make([]vectorstore.Document, 0, len(rows))
	for content, vec := range rows {
		docs = append(docs, vectorstore.Document{Content: content, Metadata: map[string]string{"source": "movies.csv"}, Vector: vec})
	}
	_, err := f.index.Add(ctx, name, docs)
	require.NoError(t, err)
	require.NoError(t, f.index.SetAlias(ctx, RAGAlias, name))
}

func (f *fixture) chatService(cache *SemanticCache, timeout time.Duration) *ChatService {
	return NewChatService(f.db, f.history, f.rag, cache, f.prompts, f.model, timeout)
}

// newChat creates a titled chat so no background title generation runs.
func (f *fixture) newChat(t *testing.T) *store.Chat {
	title := "Movies"
	chat, err := f.db.CreateChat(f.user.ID, &title)
	require.NoError(t, err)
	return chat
}
