package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/internal/testutil"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/internal/vector/memory"
)

type fixture struct {
	engine    *Engine
	vectors   *vector.Manager
	embedder  *testutil.HashEmbedder
	generator *testutil.StubGenerator
	history   *testutil.DocumentStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		vectors:   vector.NewManager(memory.NewStore()),
		embedder:  testutil.NewHashEmbedder(1024),
		generator: &testutil.StubGenerator{Answer: "The capital of France is Paris."},
		history:   testutil.NewDocumentStore(),
	}
	f.engine = NewEngine(f.vectors, f.embedder, f.generator, f.history, opts)
	return f
}

// index stores texts for userID the way ingestion does.
func (f *fixture) index(t *testing.T, userID, source string, texts ...string) {
	t.Helper()
	f.indexAs(t, userID, userID, source, texts...)
}

func (f *fixture) indexAs(t *testing.T, collectionOwner, payloadOwner, source string, texts ...string) {
	t.Helper()
	ctx := context.Background()

	embeddings, err := f.embedder.EmbedMany(ctx, texts)
	require.NoError(t, err)

	collection, err := f.vectors.EnsureCollection(ctx, collectionOwner, f.embedder.Dimension())
	require.NoError(t, err)

	payloads := make([]vector.Payload, len(texts))
	for i, text := range texts {
		payloads[i] = vector.Payload{Text: text, Source: source, UserID: payloadOwner, UploadDate: time.Now()}
	}
	_, err = f.vectors.Upsert(ctx, collection, embeddings, payloads)
	require.NoError(t, err)
}

func TestProcessQuery_AnswersFromOwnDocuments(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, "alice", "france.txt", "Paris is the capital of France.")

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "What is the capital of France?"})
	require.NoError(t, err)

	assert.Equal(t, "The capital of France is Paris.", resp.Answer)
	assert.Equal(t, models.OutcomeAnswered, resp.Outcome)
	require.Len(t, resp.SourceDocuments, 1)
	assert.Equal(t, "france.txt", resp.SourceDocuments[0].Source)
	assert.Equal(t, "Paris is the capital of France.", resp.SourceDocuments[0].Text)
	assert.Greater(t, resp.SourceDocuments[0].Score, float32(0.5))

	require.Equal(t, 1, f.generator.Calls())
	prompt := f.generator.Prompts[0]
	assert.Contains(t, prompt, "**Context**:\nParis is the capital of France.\n\n**Query**:\nWhat is the capital of France?\n\n**Answer**:")
	assert.True(t, strings.HasPrefix(prompt, "**Instruction**:\nAnswer the user's query based *only* on the provided context."))
}

func TestProcessQuery_NoDocumentsDiffersFromNoMatch(t *testing.T) {
	f := newFixture(t, Options{MinScore: 0.5})
	f.index(t, "alice", "fruit.txt", "Bananas grow in tropical climates.")

	noDocs, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "bob", Query: "quantum chromodynamics lattice"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoDocuments, noDocs.Outcome)
	assert.Equal(t, noDocumentsAnswer, noDocs.Answer)
	assert.Empty(t, noDocs.SourceDocuments)

	noMatch, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "quantum chromodynamics lattice"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoMatch, noMatch.Outcome)
	assert.Equal(t, noMatchAnswer, noMatch.Answer)
	assert.Empty(t, noMatch.SourceDocuments)

	assert.NotEqual(t, noDocs.Answer, noMatch.Answer)
	assert.Zero(t, f.generator.Calls())
}

func TestProcessQuery_IsolatesUsers(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, "alice", "secret.txt", "The vault code is stored in the blue notebook.")

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "bob", Query: "Where is the vault code stored?"})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNoDocuments, resp.Outcome)
	assert.Empty(t, resp.SourceDocuments)
	assert.Zero(t, f.generator.Calls())
}

func TestProcessQuery_DropsForeignPayloads(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, "alice", "mine.txt", "Paris is the capital of France.")
	f.indexAs(t, "alice", "mallory", "planted.txt", "The capital of France is Lyon.")

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "What is the capital of France?"})
	require.NoError(t, err)

	require.Len(t, resp.SourceDocuments, 1)
	assert.Equal(t, "mine.txt", resp.SourceDocuments[0].Source)
	assert.NotContains(t, f.generator.Prompts[0], "Lyon")
}

func TestProcessQuery_RanksAndLimitsSources(t *testing.T) {
	f := newFixture(t, Options{TopK: 2})
	f.index(t, "alice", "notes.txt",
		"Paris is the capital of France.",
		"France borders Spain and Italy.",
		"The capital of France hosts the Louvre museum.",
	)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "capital of France"})
	require.NoError(t, err)

	require.Len(t, resp.SourceDocuments, 2)
	assert.GreaterOrEqual(t, resp.SourceDocuments[0].Score, resp.SourceDocuments[1].Score)
}

func TestProcessQuery_TruncatesExcerpts(t *testing.T) {
	f := newFixture(t, Options{})
	long := "capital " + strings.Repeat("é", 700)
	f.index(t, "alice", "long.txt", long)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "capital"})
	require.NoError(t, err)

	require.Len(t, resp.SourceDocuments, 1)
	assert.Len(t, []rune(resp.SourceDocuments[0].Text), 500)
	assert.Contains(t, f.generator.Prompts[0], long)
}

func TestProcessQuery_RejectsInvalidQueries(t *testing.T) {
	f := newFixture(t, Options{MaxQueryLength: 10})

	for _, q := range []string{"", "   \n\t", "this query is too long"} {
		_, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: q})
		assert.ErrorIs(t, err, apperrors.ErrQueryValidation, "query %q", q)
	}
	assert.Zero(t, f.embedder.Calls())
	assert.Zero(t, f.generator.Calls())
}

func TestProcessQuery_RequiresUser(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.engine.ProcessQuery(context.Background(), Request{Query: "hello"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestProcessQuery_PropagatesServiceErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, "alice", "france.txt", "Paris is the capital of France.")

	f.generator.Err = errors.Join(apperrors.ErrTimeout, apperrors.ErrGenerationService)
	_, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "capital of France"})
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.ErrorIs(t, err, apperrors.ErrGenerationService)

	f.embedder.Err = apperrors.ErrEmbeddingService
	_, err = f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "capital of France"})
	assert.ErrorIs(t, err, apperrors.ErrEmbeddingService)

	history, err := f.engine.History(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcessQuery_EmbeddingDimensionDiffersFromCollection(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	collection, err := f.vectors.EnsureCollection(ctx, "alice", 8)
	require.NoError(t, err)
	_, err = f.vectors.Upsert(ctx, collection, [][]float32{{1, 0, 0, 0, 0, 0, 0, 0}},
		[]vector.Payload{{Text: "Paris is the capital of France.", Source: "france.txt", UserID: "alice"}})
	require.NoError(t, err)

	engine := NewEngine(f.vectors, testutil.NewHashEmbedder(32), f.generator, f.history, Options{})
	_, err = engine.ProcessQuery(ctx, Request{UserID: "alice", Query: "capital of France"})
	require.Error(t, err)

	assert.ErrorIs(t, err, apperrors.ErrDimensionMismatch)
	assert.False(t, apperrors.IsServiceUnavailable(err))
	kind := apperrors.Classify(err)
	assert.Equal(t, 500, kind.Status)
	assert.Equal(t, "DimensionMismatchError", kind.Type)
	assert.Zero(t, f.generator.Calls())
}

func TestProcessQuery_RecordsHistory(t *testing.T) {
	f := newFixture(t, Options{})
	f.index(t, "alice", "france.txt", "Paris is the capital of France.")

	resp, err := f.engine.ProcessQuery(context.Background(), Request{UserID: "alice", Query: "What is the capital of France?"})
	require.NoError(t, err)
	_, err = f.engine.ProcessQuery(context.Background(), Request{UserID: "bob", Query: "anything"})
	require.NoError(t, err)

	history, err := f.engine.History(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resp.QueryID, history[0].ID)
	assert.Equal(t, models.OutcomeAnswered, history[0].Outcome)
	assert.Equal(t, 1, history[0].SourceCount)

	sources := f.history.Sources(resp.QueryID)
	require.Len(t, sources, 1)
	assert.Equal(t, "france.txt", sources[0].Source)
	assert.NotEmpty(t, sources[0].PointID)
}

func TestHistory_WithoutQueryLog(t *testing.T) {
	engine := NewEngine(vector.NewManager(memory.NewStore()), testutil.NewHashEmbedder(8), &testutil.StubGenerator{}, nil, Options{})

	history, err := engine.History(context.Background(), "alice", 5)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestBuildPrompt_JoinsChunksInRankOrder(t *testing.T) {
	hits := []vector.Hit{
		{Payload: vector.Payload{Text: "first"}},
		{Payload: vector.Payload{Text: "second"}},
	}

	prompt := BuildPrompt("q?", hits)
	assert.Contains(t, prompt, "**Context**:\nfirst\nsecond\n\n**Query**:\nq?\n")
	assert.True(t, strings.HasSuffix(prompt, "**Answer**:\n"))
}
