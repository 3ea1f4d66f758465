package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/utils"
)

// EmbeddingCache stores vectors by key. GetEmbeddings returns nil for misses.
type EmbeddingCache interface {
	GetEmbeddings(ctx context.Context, keys []string) ([][]float32, error)
	SetEmbeddings(ctx context.Context, entries map[string][]float32) error
}

// CachedEmbedder serves repeated texts from a cache. Cache failures fall
// through to the wrapped embedder.
type CachedEmbedder struct {
	next      Embedder
	cache     EmbeddingCache
	namespace string
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, namespace: model}
}

func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

func (c *CachedEmbedder) key(text string) string {
	return c.namespace + ":" + utils.HashString(text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *CachedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	cached, err := c.cache.GetEmbeddings(ctx, keys)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		cached = nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) && len(cached[i]) == c.Dimension() {
			out[i] = cached[i]
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}

	metrics.CacheHits.WithLabelValues("embedding").Add(float64(len(texts) - len(missIdx)))
	metrics.CacheMisses.WithLabelValues("embedding").Add(float64(len(missIdx)))

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.EmbedMany(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts: %w", len(fresh), len(missTexts), apperrors.ErrEmbeddingService)
	}

	entries := make(map[string][]float32, len(fresh))
	for j, vec := range fresh {
		i := missIdx[j]
		out[i] = vec
		entries[keys[i]] = vec
	}

	if err := c.cache.SetEmbeddings(ctx, entries); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}

	return out, nil
}
