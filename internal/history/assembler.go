// Package history builds the two-track context window shown to the decision
// model: contexts semantically similar to the current one, and the most
// recent processed contexts, each paired with the actions proposed for it.
package history

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

// ContextReader is the subset of the context store the assembler reads.
type ContextReader interface {
	SearchSimilar(ctx context.Context, owner string, vector []float32, opts retrieval.SearchOptions) ([]retrieval.ScoredContext, error)
	List(ctx context.Context, owner string, opts retrieval.ListOptions) ([]storage.ContextItem, error)
}

// ActionReader loads the actions proposed for a set of contexts.
type ActionReader interface {
	ActionsForContexts(ctx context.Context, owner string, contextIDs []string) (map[string][]storage.ProposedAction, error)
}

// Entry is one historical context and the actions proposed for it.
type Entry struct {
	Context storage.ContextItem
	// Score is the cosine similarity for semantic entries and 0 for recent ones.
	Score   float32
	Actions []storage.ProposedAction
}

// History is the assembled window. The id sets of Similar and Recent are
// disjoint and never contain the current context.
type History struct {
	Similar []Entry
	Recent  []Entry
}

// Empty reports whether neither track returned anything.
func (h History) Empty() bool { return len(h.Similar) == 0 && len(h.Recent) == 0 }

// Assembler builds the semantic and recent history of a context.
type Assembler struct {
	contexts  ContextReader
	actions   ActionReader
	threshold *float32
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithScoreThreshold drops semantic matches scoring below min.
func WithScoreThreshold(min float32) Option {
	return func(a *Assembler) { a.threshold = &min }
}

// NewAssembler returns an Assembler reading from contexts and actions.
func NewAssembler(contexts ContextReader, actions ActionReader, opts ...Option) *Assembler {
	a := &Assembler{contexts: contexts, actions: actions}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble returns up to semanticLimit similar and recentLimit recent
// contexts for current. embedding is current's vector; the current context
// may or may not be stored already.
func (a *Assembler) Assemble(ctx context.Context, owner string, current storage.ContextItem, embedding []float32, semanticLimit, recentLimit int) (History, error) {
	var (
		similar []retrieval.ScoredContext
		recent  []storage.ContextItem
	)

	g, gCtx := errgroup.WithContext(ctx)
	if semanticLimit > 0 && len(embedding) > 0 {
		g.Go(func() error {
			// One extra absorbs the current context matching itself.
			res, err := a.contexts.SearchSimilar(gCtx, owner, embedding, retrieval.SearchOptions{
				Limit:          semanticLimit + 1,
				ScoreThreshold: a.threshold,
			})
			if err != nil {
				return err
			}
			similar = res
			return nil
		})
	}
	if recentLimit > 0 {
		g.Go(func() error {
			processed := true
			res, err := a.contexts.List(gCtx, owner, retrieval.ListOptions{
				Limit:     recentLimit + semanticLimit + 1,
				Processed: &processed,
				Desc:      true,
			})
			if err != nil {
				return fmt.Errorf("listing recent contexts: %w", err)
			}
			recent = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return History{}, err
	}

	var h History
	seen := map[string]bool{current.ID: true}

	for _, s := range similar {
		if len(h.Similar) == semanticLimit {
			break
		}
		if seen[s.Context.ID] {
			continue
		}
		seen[s.Context.ID] = true
		h.Similar = append(h.Similar, Entry{Context: s.Context, Score: s.Score})
	}
	for _, c := range recent {
		if len(h.Recent) == recentLimit {
			break
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		h.Recent = append(h.Recent, Entry{Context: c})
	}

	if h.Empty() {
		return h, nil
	}

	ids := make([]string, 0, len(h.Similar)+len(h.Recent))
	for _, e := range h.Similar {
		ids = append(ids, e.Context.ID)
	}
	for _, e := range h.Recent {
		ids = append(ids, e.Context.ID)
	}
	byContext, err := a.actions.ActionsForContexts(ctx, owner, ids)
	if err != nil {
		return History{}, fmt.Errorf("loading history actions: %w", err)
	}
	for i := range h.Similar {
		h.Similar[i].Actions = byContext[h.Similar[i].Context.ID]
	}
	for i := range h.Recent {
		h.Recent[i].Actions = byContext[h.Recent[i].Context.ID]
	}
	return h, nil
}
