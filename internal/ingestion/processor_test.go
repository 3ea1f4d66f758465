package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/internal/testutil"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/internal/vector/memory"
	"github.com/knowledge-assistant/backend/pkg/utils"
)

// recordingBackend captures upserted points on top of the memory store.
type recordingBackend struct {
	*memory.Store
	mu        sync.Mutex
	upserted  []vector.Point
	upsertErr error
}

func (r *recordingBackend) Upsert(ctx context.Context, name string, points []vector.Point) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	r.upserted = append(r.upserted, points...)
	r.mu.Unlock()
	return r.Store.Upsert(ctx, name, points)
}

type fixture struct {
	proc     *Processor
	store    *testutil.DocumentStore
	embedder *testutil.HashEmbedder
	backend  *recordingBackend
	vectors  *vector.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    testutil.NewDocumentStore(),
		embedder: testutil.NewHashEmbedder(32),
		backend:  &recordingBackend{Store: memory.NewStore()},
	}
	f.vectors = vector.NewManager(f.backend)
	f.proc = NewProcessor(f.store, f.vectors, f.embedder, Options{
		AllowedTypes: []string{"pdf", "txt", "docx", "md", "html"},
		MaxFileSize:  1024,
		ChunkSize:    120,
		ChunkOverlap: 30,
		Timeout:      5 * time.Second,
	})
	return f
}

func longText(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Fact %02d says the lighthouse keeper counted %d ships. ", i, i*3)
	}
	return b.String()
}

func TestIngest_StoresChunksAndMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte(longText(8))

	res, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "ships.txt", Data: data})
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, "ships.txt", res.Filename)
	assert.Greater(t, res.ChunkCount, 1)
	assert.Equal(t, res.ChunkCount, f.backend.Len(vector.CollectionName("alice")))

	doc, err := f.store.FindByHash(ctx, "alice", utils.HashBytes(data))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, res.ChunkCount, doc.ChunkCount)
	assert.Equal(t, int64(len(data)), doc.OriginalSize)
	assert.Equal(t, res.DocumentID, doc.ID)
}

func TestIngest_PreservesChunkOrder(t *testing.T) {
	f := newFixture(t)
	text := longText(8)

	_, err := f.proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "ships.txt", Data: []byte(text)})
	require.NoError(t, err)

	expected, err := f.proc.chunker.Chunk(text)
	require.NoError(t, err)

	require.Len(t, f.backend.upserted, len(expected))
	for i, p := range f.backend.upserted {
		assert.Equal(t, expected[i], p.Payload.Text)
		assert.Equal(t, "ships.txt", p.Payload.Source)
		assert.Equal(t, "alice", p.Payload.UserID)
		// the stored vector is the embedding of the chunk at the same position
		want, _ := f.embedder.Embed(context.Background(), expected[i])
		assert.Equal(t, want, p.Vector)
	}
}

func TestIngest_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte(longText(4))

	first, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "original.txt", Data: data})
	require.NoError(t, err)
	pointsAfterFirst := f.backend.Len(vector.CollectionName("alice"))
	callsAfterFirst := f.embedder.Calls()

	second, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "renamed.txt", Data: data})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, "original.txt", second.Filename)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, pointsAfterFirst, f.backend.Len(vector.CollectionName("alice")))
	assert.Equal(t, callsAfterFirst, f.embedder.Calls())
	assert.Equal(t, 1, f.store.Count())
}

func TestIngest_SameContentDifferentUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("Paris is the capital of France.")

	a, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "a.txt", Data: data})
	require.NoError(t, err)
	b, err := f.proc.Ingest(ctx, Upload{UserID: "bob", Filename: "b.txt", Data: data})
	require.NoError(t, err)

	assert.False(t, a.Duplicate)
	assert.False(t, b.Duplicate)
	assert.Equal(t, 1, f.backend.Len(vector.CollectionName("alice")))
	assert.Equal(t, 1, f.backend.Len(vector.CollectionName("bob")))
}

func TestIngest_RejectsBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name string
		up   Upload
		want error
	}{
		{"bad extension", Upload{UserID: "alice", Filename: "run.exe", Data: []byte("MZ")}, apperrors.ErrInvalidFileType},
		{"no extension", Upload{UserID: "alice", Filename: "README", Data: []byte("hi")}, apperrors.ErrInvalidFileType},
		{"too large", Upload{UserID: "alice", Filename: "big.txt", Data: make([]byte, 2048)}, apperrors.ErrFileTooLarge},
		{"empty file", Upload{UserID: "alice", Filename: "empty.txt", Data: nil}, apperrors.ErrEmptyContent},
		{"whitespace only", Upload{UserID: "alice", Filename: "blank.txt", Data: []byte("  \n\t  ")}, apperrors.ErrEmptyContent},
		{"missing user", Upload{Filename: "a.txt", Data: []byte("text")}, apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.proc.Ingest(context.Background(), tt.up)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.embedder.Calls())
			assert.Zero(t, f.store.Count())
		})
	}
}

func TestIngest_EmbeddingFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.embedder.Err = fmt.Errorf("embed: %w", apperrors.ErrEmbeddingService)
	data := []byte("Paris is the capital of France.")

	_, err := f.proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "a.txt", Data: data})
	assert.ErrorIs(t, err, apperrors.ErrEmbeddingService)
	assert.Zero(t, f.store.Count())

	// a retry after recovery is not treated as a duplicate
	f.embedder.Err = nil
	res, err := f.proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "a.txt", Data: data})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestIngest_VectorFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.backend.upsertErr = errors.New("connection refused")

	_, err := f.proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "a.txt", Data: []byte("Some text.")})
	assert.ErrorIs(t, err, apperrors.ErrVectorStore)
	assert.True(t, apperrors.IsServiceUnavailable(err))
	assert.Zero(t, f.store.Count())
}

func TestIngest_DimensionMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.backend.CreateCollection(ctx, vector.CollectionName("alice"), 8))

	_, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "a.txt", Data: []byte("Some text.")})
	assert.ErrorIs(t, err, apperrors.ErrDimensionMismatch)
	assert.Zero(t, f.store.Count())
}

// racyStore hides the winning record from the first lookup, as if another
// instance recorded it between FindByHash and Record.
type racyStore struct {
	*testutil.DocumentStore
	lookups int
}

func (r *racyStore) FindByHash(ctx context.Context, userID, hash string) (*models.Document, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, nil
	}
	return r.DocumentStore.FindByHash(ctx, userID, hash)
}

func TestIngest_LosesRecordRace(t *testing.T) {
	f := newFixture(t)
	data := []byte("Paris is the capital of France.")
	winner := models.Document{ID: "winner", UserID: "alice", Filename: "first.txt", ContentHash: utils.HashBytes(data), ChunkCount: 1}
	f.store.Put(winner)

	store := &racyStore{DocumentStore: f.store}
	proc := NewProcessor(store, f.vectors, f.embedder, Options{AllowedTypes: []string{"txt"}})

	res, err := proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "second.txt", Data: data})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "first.txt", res.Filename)
	assert.Equal(t, "winner", res.DocumentID)
}

func TestIngest_ConcurrentIdenticalUploads(t *testing.T) {
	f := newFixture(t)
	data := []byte(longText(3))

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.proc.Ingest(context.Background(), Upload{UserID: "alice", Filename: "same.txt", Data: data})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	stored := 0
	for _, r := range results {
		require.NotNil(t, r)
		if !r.Duplicate {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, results[0].ChunkCount, f.backend.Len(vector.CollectionName("alice")))
}

func TestIngest_DetachedFromCallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.proc.Ingest(ctx, Upload{UserID: "alice", Filename: "a.txt", Data: []byte("Paris is the capital of France.")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)
	assert.Equal(t, 1, f.store.Count())
}
