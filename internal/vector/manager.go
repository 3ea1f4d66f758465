// Package vector manages per-user vector collections on top of a pluggable
// similarity-search backend.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

// ErrCollectionNotFound is returned by backends when a collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

type Payload struct {
	Text       string    `json:"text"`
	Source     string    `json:"source"`
	UserID     string    `json:"user_id"`
	UploadDate time.Time `json:"upload_date"`
}

type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Backend is a similarity-search engine using cosine distance.
type Backend interface {
	// CollectionDimension reports the vector size of an existing collection.
	CollectionDimension(ctx context.Context, name string) (dim int, exists bool, err error)
	// CreateCollection must succeed if the collection already exists.
	CreateCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, name string, points []Point) error
	// Search returns ErrCollectionNotFound for a missing collection.
	Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error)
	Ping(ctx context.Context) error
	Close() error
}

type Manager struct {
	backend Backend
	group   singleflight.Group

	mu    sync.RWMutex
	known map[string]int
}

func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		known:   make(map[string]int),
	}
}

const maxNamePrefix = 48

// CollectionName derives the collection owned by userID. The readable prefix
// is sanitised; the hash suffix keeps distinct ids from colliding after
// sanitisation.
func CollectionName(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		if b.Len() >= maxNamePrefix {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sum := sha256.Sum256([]byte(userID))
	return "user_" + b.String() + "_" + hex.EncodeToString(sum[:8])
}

// EnsureCollection creates the user's collection with dimension dim if it is
// missing and returns its name. Concurrent first-time calls for the same user
// share one backend round trip.
func (m *Manager) EnsureCollection(ctx context.Context, userID string, dim int) (string, error) {
	if dim <= 0 {
		return "", fmt.Errorf("dimension must be positive, got %d: %w", dim, apperrors.ErrValidation)
	}

	name := CollectionName(userID)

	m.mu.RLock()
	knownDim, ok := m.known[name]
	m.mu.RUnlock()
	if !ok {
		v, err, _ := m.group.Do(name, func() (interface{}, error) {
			return m.ensure(ctx, name, dim)
		})
		if err != nil {
			return "", err
		}
		knownDim = v.(int)
	}

	if knownDim != dim {
		return "", fmt.Errorf("collection %s has dimension %d, embeddings have %d: %w",
			name, knownDim, dim, apperrors.ErrDimensionMismatch)
	}
	return name, nil
}

func (m *Manager) ensure(ctx context.Context, name string, dim int) (int, error) {
	existing, exists, err := m.backend.CollectionDimension(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect collection %s: %w: %w", name, apperrors.ErrVectorStore, err)
	}

	if !exists {
		if err := m.backend.CreateCollection(ctx, name, dim); err != nil {
			return 0, fmt.Errorf("failed to create collection %s: %w: %w", name, apperrors.ErrVectorStore, err)
		}
		existing = dim
		logger.Info("Vector collection created",
			zap.String("collection", name),
			zap.Int("dim", dim),
		)
	}

	m.mu.Lock()
	m.known[name] = existing
	m.mu.Unlock()

	return existing, nil
}

// HasCollection reports whether userID has a collection.
func (m *Manager) HasCollection(ctx context.Context, userID string) (bool, error) {
	name := CollectionName(userID)

	m.mu.RLock()
	_, ok := m.known[name]
	m.mu.RUnlock()
	if ok {
		return true, nil
	}

	dim, exists, err := m.backend.CollectionDimension(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to inspect collection %s: %w: %w", name, apperrors.ErrVectorStore, err)
	}
	if exists {
		m.mu.Lock()
		m.known[name] = dim
		m.mu.Unlock()
	}
	return exists, nil
}

// Upsert stores vectors[i] with payloads[i] under fresh point ids and returns
// the ids in input order.
func (m *Manager) Upsert(ctx context.Context, collection string, vectors [][]float32, payloads []Payload) ([]string, error) {
	if len(vectors) != len(payloads) {
		return nil, fmt.Errorf("%d vectors but %d payloads: %w", len(vectors), len(payloads), apperrors.ErrValidation)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	dim, known := m.known[collection]
	m.mu.RUnlock()
	if !known {
		dim = len(vectors[0])
	}

	points := make([]Point, len(vectors))
	ids := make([]string, len(vectors))
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d: %w", i, len(vec), dim, apperrors.ErrDimensionMismatch)
		}
		ids[i] = uuid.NewString()
		points[i] = Point{ID: ids[i], Vector: vec, Payload: payloads[i]}
	}

	if err := m.backend.Upsert(ctx, collection, points); err != nil {
		return nil, fmt.Errorf("failed to upsert %d points into %s: %w: %w", len(points), collection, apperrors.ErrVectorStore, err)
	}

	return ids, nil
}

// Search returns at most limit hits in descending score order. A missing
// collection yields no hits.
func (m *Manager) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d: %w", limit, apperrors.ErrValidation)
	}

	m.mu.RLock()
	dim, known := m.known[collection]
	m.mu.RUnlock()
	if known && len(vector) != dim {
		return nil, fmt.Errorf("query has dimension %d, collection %s has %d: %w", len(vector), collection, dim, apperrors.ErrDimensionMismatch)
	}

	hits, err := m.backend.Search(ctx, collection, vector, limit)
	if errors.Is(err, ErrCollectionNotFound) {
		return []Hit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w: %w", collection, apperrors.ErrVectorStore, err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Manager) Ping(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrVectorStore, err)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
