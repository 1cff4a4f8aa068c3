package retrieval

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"
)

// EmbeddingBackend produces a vector for text with the named model.
// *ollama.Client satisfies it.
type EmbeddingBackend interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Tokenizer splits text into tokens and joins them back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns the tiktoken encoding for model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenizer(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenTokenizer{enc: enc}, nil
}

func (t tiktokenTokenizer) Encode(text string) []int     { return t.enc.Encode(text, nil, nil) }
func (t tiktokenTokenizer) Decode(tokens []int) string { return t.enc.Decode(tokens) }

// Embedder turns text into vectors, clipping input to a token budget first.
type Embedder struct {
	backend   EmbeddingBackend
	model     string
	tokenizer Tokenizer
	maxTokens int
}

// NewEmbedder creates an Embedder. A nil tokenizer or non-positive maxTokens
// disables truncation.
func NewEmbedder(backend EmbeddingBackend, model string, tok Tokenizer, maxTokens int) *Embedder {
	return &Embedder{backend: backend, model: model, tokenizer: tok, maxTokens: maxTokens}
}

// Truncate clips text to the configured token budget. Clipping happens on
// token boundaries, never mid-token.
func (e *Embedder) Truncate(text string) string {
	if e.tokenizer == nil || e.maxTokens <= 0 {
		return text
	}
	tokens := e.tokenizer.Encode(text)
	if len(tokens) <= e.maxTokens {
		return text
	}
	return e.tokenizer.Decode(tokens[:e.maxTokens])
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.backend.Embed(ctx, e.model, e.Truncate(text))
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: backend returned an empty vector")
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
