// Package memory is an in-process vector backend using brute-force cosine
// similarity. It is meant for development and tests.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/knowledge-assistant/backend/internal/vector"
)

type collection struct {
	dim    int
	index  map[string]int
	points []vector.Point
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) CollectionDimension(_ context.Context, name string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return 0, false, nil
	}
	return c.dim, true, nil
}

func (s *Store) CreateCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = &collection{dim: dim, index: make(map[string]int)}
	return nil
}

func (s *Store) Upsert(_ context.Context, name string, points []vector.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("upsert into %s: %w", name, vector.ErrCollectionNotFound)
	}

	for _, p := range points {
		if len(p.Vector) != c.dim {
			return fmt.Errorf("point %s has dimension %d, collection has %d", p.ID, len(p.Vector), c.dim)
		}
	}

	for _, p := range points {
		p.Vector = append([]float32(nil), p.Vector...)
		if i, exists := c.index[p.ID]; exists {
			c.points[i] = p
			continue
		}
		c.index[p.ID] = len(c.points)
		c.points = append(c.points, p)
	}
	return nil
}

func (s *Store) Search(_ context.Context, name string, query []float32, limit int) ([]vector.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("search %s: %w", name, vector.ErrCollectionNotFound)
	}
	if len(query) != c.dim {
		return nil, fmt.Errorf("query has dimension %d, collection has %d", len(query), c.dim)
	}

	hits := make([]vector.Hit, 0, len(c.points))
	for _, p := range c.points {
		hits = append(hits, vector.Hit{
			ID:      p.ID,
			Score:   cosineSimilarity(query, p.Vector),
			Payload: p.Payload,
		})
	}

	// the manager sorts and truncates
	return hits, nil
}

// Len returns the number of points in a collection.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
