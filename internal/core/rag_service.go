package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/vectorstore"
)

const (
	// RAGAlias always points at the index questions are answered from.
	RAGAlias       = "minipilot_rag_alias"
	RAGIndexPrefix = "minipilot_rag_"
)

type RAGService struct {
	index     vectorstore.Index
	embedder  Embedder
	k         int
	threshold float64 // minimum similarity for a row to count as context
}

func NewRAGService(index vectorstore.Index, embedder Embedder, k int, threshold float64) *RAGService {
	return &RAGService{
		index:     index,
		embedder:  embedder,
		k:         k,
		threshold: threshold,
	}
}

// References returns the rows closest to query, best first. k <= 0 uses the
// configured context length. No current index means no context.
func (s *RAGService) References(ctx context.Context, query string, k int) ([]store.Reference, error) {
	if k <= 0 {
		k = s.k
	}

	queryEmbedding, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	matches, err := s.index.Search(ctx, RAGAlias, queryEmbedding, k)
	if err != nil {
		if errors.Is(err, vectorstore.ErrIndexNotFound) {
			log.Println("No current data index, answering without context.")
			return []store.Reference{}, nil
		}
		return nil, fmt.Errorf("failed to search %s: %w", RAGAlias, err)
	}

	refs := make([]store.Reference, 0, len(matches))
	for _, m := range matches {
		if m.Similarity() < s.threshold {
			continue
		}
		refs = append(refs, store.Reference{
			ID:       m.ID,
			Content:  m.Content,
			Score:    m.Similarity(),
			Metadata: m.Metadata,
		})
	}

	if len(refs) == 0 {
		log.Printf("No relevant rows found for query (similarity threshold: %.2f): %s", s.threshold, query)
	} else {
		log.Printf("Retrieved %d relevant rows for query.", len(refs))
	}
	return refs, nil
}

// BuildContext joins the retrieved rows into the prompt's context block.
func BuildContext(refs []store.Reference) string {
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, strings.TrimSpace(ref.Content))
	}
	return strings.Join(parts, "\n\n")
}
