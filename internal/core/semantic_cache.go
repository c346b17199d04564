package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/vectorstore"
)

const (
	CacheIndex = "minipilot_cache_idx"

	cacheFieldRating    = "rating"
	cacheMetaResponse   = "response"
	cacheMetaReferences = "references"
	cacheMetaQuestion   = "prompt"
)

type CacheHit struct {
	ID         string
	Response   string
	References []store.Reference
	Distance   float64
}

// SemanticCache answers repeated questions from earlier answers whose
// question embedding is close enough to the new one.
type SemanticCache struct {
	index     vectorstore.Index
	embedder  Embedder
	threshold float64 // maximum cosine distance for a hit
}

func NewSemanticCache(index vectorstore.Index, embedder Embedder, threshold float64) *SemanticCache {
	return &SemanticCache{index: index, embedder: embedder, threshold: threshold}
}

// Check returns the closest cached answer, or nil when nothing is within the threshold.
func (c *SemanticCache) Check(ctx context.Context, question string) (*CacheHit, error) {
	vec, err := c.embedder.GetEmbedding(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question for cache lookup: %w", err)
	}

	matches, err := c.index.Search(ctx, CacheIndex, vec, 1)
	if err != nil {
		if errors.Is(err, vectorstore.ErrIndexNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	if len(matches) == 0 || matches[0].Distance > c.threshold {
		return nil, nil
	}

	m := matches[0]
	hit := &CacheHit{
		ID:       m.ID,
		Response: m.Metadata[cacheMetaResponse],
		Distance: m.Distance,
	}
	if raw := m.Metadata[cacheMetaReferences]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &hit.References); err != nil {
			log.Printf("Ignoring unreadable references on cache entry %s: %v", m.ID, err)
		}
	}
	if hit.Response == "" {
		return nil, nil
	}
	return hit, nil
}

// Store caches answer under the embedding of question.
func (c *SemanticCache) Store(ctx context.Context, question, answer string, refs []store.Reference) (string, error) {
	vec, err := c.embedder.GetEmbedding(ctx, question)
	if err != nil {
		return "", fmt.Errorf("failed to embed question for cache store: %w", err)
	}

	if err := c.index.CreateIndex(ctx, CacheIndex, len(vec)); err != nil && !errors.Is(err, vectorstore.ErrIndexExists) {
		return "", fmt.Errorf("failed to create cache index: %w", err)
	}

	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache references: %w", err)
	}

	ids, err := c.index.Add(ctx, CacheIndex, []vectorstore.Document{{
		Content: question,
		Metadata: map[string]string{
			cacheMetaQuestion:   question,
			cacheMetaResponse:   answer,
			cacheMetaReferences: string(refsJSON),
		},
		Vector: vec,
	}})
	if err != nil {
		return "", fmt.Errorf("failed to store cache entry: %w", err)
	}
	return ids[0], nil
}

// Rate counts a hit on a cached entry.
func (c *SemanticCache) Rate(ctx context.Context, id string) (int64, error) {
	return c.index.Incr(ctx, id, cacheFieldRating, 1)
}
