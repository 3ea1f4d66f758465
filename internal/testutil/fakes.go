// Package testutil provides in-memory collaborators for pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/storage/models"
)

// HashEmbedder embeds text as a normalised bag of hashed lowercase words, so
// texts sharing words score higher under cosine similarity.
type HashEmbedder struct {
	Dim int
	Err error

	mu    sync.Mutex
	calls int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.Dim }

func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *HashEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.Dim)]++
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

// StubGenerator returns Answer and records every prompt it receives.
type StubGenerator struct {
	Answer string
	Err    error

	mu      sync.Mutex
	Prompts []string
}

func (g *StubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.Prompts = append(g.Prompts, prompt)
	g.mu.Unlock()

	if g.Err != nil {
		return "", g.Err
	}
	return g.Answer, nil
}

func (g *StubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Prompts)
}

// DocumentStore is an in-memory storage.DocumentStore and storage.QueryLog.
type DocumentStore struct {
	mu      sync.Mutex
	docs    map[string]models.Document
	queries []models.QueryRecord
	sources map[string][]models.QuerySource

	RecordErr error
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:    make(map[string]models.Document),
		sources: make(map[string][]models.QuerySource),
	}
}

func docKey(userID, hash string) string { return userID + "\x00" + hash }

func (s *DocumentStore) FindByHash(_ context.Context, userID, hash string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey(userID, hash)]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *DocumentStore) Record(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RecordErr != nil {
		return s.RecordErr
	}
	key := docKey(doc.UserID, doc.ContentHash)
	if _, ok := s.docs[key]; ok {
		return fmt.Errorf("record %s: %w", doc.ContentHash, apperrors.ErrDuplicateDocument)
	}
	s.docs[key] = *doc
	return nil
}

// Put stores doc without duplicate checks.
func (s *DocumentStore) Put(doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey(doc.UserID, doc.ContentHash)] = doc
}

func (s *DocumentStore) ListDocuments(_ context.Context, userID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Document{}
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadTimestamp.After(out[j].UploadTimestamp) })
	return out, nil
}

// Count returns the number of stored documents across all users.
func (s *DocumentStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *DocumentStore) Ping(context.Context) error { return nil }

func (s *DocumentStore) Close() error { return nil }

func (s *DocumentStore) RecordQuery(_ context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, *record)
	s.sources[record.ID] = append([]models.QuerySource(nil), sources...)
	return nil
}

func (s *DocumentStore) QueryHistory(_ context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.QueryRecord{}
	for i := len(s.queries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.queries[i].UserID == userID {
			out = append(out, s.queries[i])
		}
	}
	return out, nil
}

// Sources returns the citations recorded for a query.
func (s *DocumentStore) Sources(queryID string) []models.QuerySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[queryID]
}
