// Package embedcache memoizes embeddings in front of an embedding.Embedder.
package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const DefaultCapacity = 1000

var (
	ErrEmbedding       = errors.New("embedding failed")
	ErrInvalidCapacity = errors.New("cache capacity must be at least 1")
)

const tierMemory = "memory"

// Cache is a bounded text to vector memo. Lookups never refresh an entry, so
// once full the earliest inserted entry is the one evicted.
type Cache struct {
	next     embedding.Embedder
	entries  *lru.Cache[string, []float32]
	capacity int
	logger   *slog.Logger
}

var _ embedding.Embedder = (*Cache)(nil)

func New(next embedding.Embedder, capacity int, logger *slog.Logger) (*Cache, error) {
	if next == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	entries, err := lru.NewWithEvict[string, []float32](capacity, func(string, []float32) {
		observability.IncrementCacheEvictions()
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		next:     next,
		entries:  entries,
		capacity: capacity,
		logger:   observability.OrDiscard(logger),
	}, nil
}

// Get returns the vector for text, asking the wrapped embedder only on a miss.
// A failed embedding leaves the cache untouched.
func (c *Cache) Get(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := c.entries.Peek(text); ok {
		observability.ObserveCacheLookup(tierMemory, true)
		return cloneVector(cached), nil
	}
	observability.ObserveCacheLookup(tierMemory, false)

	vector, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	c.insert(text, vector)
	return cloneVector(vector), nil
}

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.Get(ctx, text)
}

// EmbedBatch resolves every miss with one call to the wrapped embedder.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	missAt := map[string][]int{}
	for i, text := range texts {
		if cached, ok := c.entries.Peek(text); ok {
			observability.ObserveCacheLookup(tierMemory, true)
			out[i] = cloneVector(cached)
			continue
		}
		observability.ObserveCacheLookup(tierMemory, false)
		if _, seen := missAt[text]; !seen {
			misses = append(misses, text)
		}
		missAt[text] = append(missAt[text], i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedBatch(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(misses) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbedding, len(vectors), len(misses))
	}
	for i, text := range misses {
		c.insert(text, vectors[i])
		for _, at := range missAt[text] {
			out[at] = cloneVector(vectors[i])
		}
	}
	return out, nil
}

func (c *Cache) ModelName() string { return c.next.ModelName() }

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Capacity() int { return c.capacity }

// insert keeps an existing entry for text as is; a racing miss does not
// refresh its position.
func (c *Cache) insert(text string, vector []float32) {
	if found, _ := c.entries.ContainsOrAdd(text, cloneVector(vector)); found {
		c.logger.Debug("embedding already cached by a concurrent miss")
	}
}

func cloneVector(values []float32) []float32 {
	if values == nil {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
