// Package retrieval queries a bot's knowledge base for context snippets.
// An empty result set tells the caller to withhold model invocation rather
// than answer without grounding.
package retrieval

import (
	"context"

	"botpipe/internal/db"
	"botpipe/internal/model"
)

// Retriever is the gate the worker consults before invoking the model.
type Retriever interface {
	Search(ctx context.Context, botID int64, query string, limit int) ([]model.Snippet, error)
}

// Postgres searches the knowledge_snippets full-text index.
type Postgres struct {
	q *db.Queries
}

func NewPostgres(q *db.Queries) *Postgres {
	return &Postgres{q: q}
}

func (p *Postgres) Search(ctx context.Context, botID int64, query string, limit int) ([]model.Snippet, error) {
	return p.q.SearchSnippets(ctx, botID, query, limit)
}

// Noop is the explicit no-index implementation. It always reports zero
// results, which makes the worker fall back to the fixed no-context reply.
type Noop struct{}

func (Noop) Search(ctx context.Context, botID int64, query string, limit int) ([]model.Snippet, error) {
	return nil, nil
}
