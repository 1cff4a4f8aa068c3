package retrieval

import (
	"context"
	"strings"

	"github.com/kalambet/commander/internal/storage"
)

// Retriever answers free-text similarity queries over an owner's contexts.
type Retriever struct {
	embedder *Embedder
	store    *ContextStore
}

func NewRetriever(embedder *Embedder, store *ContextStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search embeds query and returns the most similar stored contexts.
func (r *Retriever) Search(ctx context.Context, owner, query string, opts SearchOptions) ([]ScoredContext, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.store.SearchSimilar(ctx, owner, vec, opts)
}

// Recent lists the owner's newest contexts, optionally filtered.
func (r *Retriever) Recent(ctx context.Context, owner string, limit int, sourceType storage.SourceType, processed *bool) ([]storage.ContextItem, error) {
	return r.store.List(ctx, owner, ListOptions{
		Limit:      limit,
		SourceType: sourceType,
		Processed:  processed,
		Desc:       true,
	})
}
