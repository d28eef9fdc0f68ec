package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
)

// Embedder turns texts into embedding vectors, one per text and in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is a search hit.
type Result struct {
	Entry      Entry
	Similarity float64
}

// KnowledgeBase answers similarity queries over a fixed set of rules entries.
type KnowledgeBase struct {
	entries   []Entry
	embedder  Embedder
	batchSize int

	mu      sync.RWMutex
	vectors [][]float32

	logger *slog.Logger
}

// DefaultTopK is the number of entries retrieved when the caller doesn't ask for a specific amount.
const DefaultTopK = 3

// ErrNotBuilt is returned by Search before Build succeeded.
var ErrNotBuilt = errors.New("knowledge base is not built")

const defaultBatchSize = 64

// NewKnowledgeBase creates a knowledge base over entries. Build must be called before Search.
func NewKnowledgeBase(entries []Entry, embedder Embedder, logger *slog.Logger) *KnowledgeBase {
	return &KnowledgeBase{
		entries:   entries,
		embedder:  embedder,
		batchSize: defaultBatchSize,
		logger:    logger.With(slog.String("module", "rules")),
	}
}

// Build embeds every entry. It may be called again to rebuild the index.
func (k *KnowledgeBase) Build(ctx context.Context) error {
	vectors := make([][]float32, 0, len(k.entries))
	for start := 0; start < len(k.entries); start += k.batchSize {
		end := min(start+k.batchSize, len(k.entries))

		texts := make([]string, 0, end-start)
		for _, e := range k.entries[start:end] {
			texts = append(texts, embeddingText(e))
		}

		vs, err := k.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed entries %d-%d: %w", start, end, err)
		}
		if len(vs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d entries", len(vs), len(texts))
		}
		vectors = append(vectors, vs...)
	}

	k.mu.Lock()
	k.vectors = vectors
	k.mu.Unlock()

	k.logger.Info("Knowledge base built", slog.Int("entries", len(vectors)))
	return nil
}

// Search returns the topK entries most similar to query, most similar first. A non-positive topK means
// DefaultTopK.
func (k *KnowledgeBase) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	k.mu.RLock()
	vectors := k.vectors
	k.mu.RUnlock()

	if vectors == nil {
		return nil, ErrNotBuilt
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	qs, err := k.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(qs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for the query", len(qs))
	}

	results := make([]Result, len(vectors))
	for i, v := range vectors {
		results[i] = Result{Entry: k.entries[i], Similarity: cosine(qs[0], v)}
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})

	return results[:min(topK, len(results))], nil
}

func embeddingText(e Entry) string {
	return fmt.Sprintf("Title: %s, Text: %s", e.Title, e.Description)
}

// cosine returns 0 for vectors of different length or zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Prompt builds the user prompt sent to the model: the retrieved entries as context followed by the
// question.
func Prompt(results []Result, question string) string {
	var sb strings.Builder
	sb.WriteString("Context: ")
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n%s", r.Entry.Title, r.Entry.Description)
	}
	fmt.Fprintf(&sb, ". Question: %s", question)
	return sb.String()
}
