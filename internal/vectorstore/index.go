// Package vectorstore talks to the vector-capable data store that holds
// embedded rows and answers similarity queries.
package vectorstore

import (
	"context"
	"errors"
)

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	// ErrUnavailable wraps failures to reach the store at all.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Document is one embedded record. ID is the store key and is assigned by Add when empty.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
	Vector   []float32
}

// Match is a search hit. Distance is the cosine distance to the query.
type Match struct {
	Document
	Distance float64
}

func (m Match) Similarity() float64 {
	return 1 - m.Distance
}

type IndexInfo struct {
	Name    string `json:"name"`
	NumDocs int64  `json:"num_docs"`
	Current bool   `json:"current"`
}

// Index is the set of store operations the service needs. Names passed to
// Search and IndexExists may be aliases.
type Index interface {
	CreateIndex(ctx context.Context, name string, dim int) error
	IndexExists(ctx context.Context, name string) (bool, error)
	Add(ctx context.Context, name string, docs []Document) ([]string, error)
	Search(ctx context.Context, name string, vector []float32, k int) ([]Match, error)
	Incr(ctx context.Context, id, field string, n int64) (int64, error)
	ListIndexes(ctx context.Context) ([]IndexInfo, error)
	ResolveAlias(ctx context.Context, alias string) (string, error)
	SetAlias(ctx context.Context, alias, name string) error
	DropIndex(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}
