package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/ingestion"
	"github.com/knowledge-assistant/backend/internal/middleware/auth"
	"github.com/knowledge-assistant/backend/internal/middleware/validation"
	"github.com/knowledge-assistant/backend/internal/query"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/internal/testutil"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/internal/vector/memory"
	"github.com/knowledge-assistant/backend/pkg/config"
)

type testServer struct {
	app       *fiber.App
	store     *testutil.DocumentStore
	generator *testutil.StubGenerator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := testutil.NewDocumentStore()
	embedder := testutil.NewHashEmbedder(1024)
	generator := &testutil.StubGenerator{Answer: "The capital of France is Paris."}
	vectors := vector.NewManager(memory.NewStore())

	processor := ingestion.NewProcessor(store, vectors, embedder, ingestion.Options{
		AllowedTypes: []string{"txt", "md", "html"},
		MaxFileSize:  1024,
		ChunkSize:    200,
		ChunkOverlap: 20,
		Timeout:      5 * time.Second,
	})
	engine := query.NewEngine(vectors, embedder, generator, store, query.Options{})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api/v1", auth.Middleware(auth.Config{
		Verifier: auth.NewTokenTable([]config.TokenConfig{
			{Token: "alice-token", UserID: "alice"},
			{Token: "bob-token", UserID: "bob"},
		}),
	}))

	documents := NewDocumentHandler(processor, store)
	queries := NewQueryHandler(engine)

	api.Post("/upload", documents.UploadDocument)
	api.Get("/documents", documents.ListDocuments)
	api.Post("/query", validation.QueryBody(validation.Config{MaxQueryLength: 100}), queries.HandleQuery)
	api.Get("/query/history", queries.GetQueryHistory)
	api.Get("/ws", RequireUpgrade, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	return &testServer{app: app, store: store, generator: generator}
}

func (s *testServer) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func uploadRequest(t *testing.T, token, filename string, data []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func queryRequest(token, text string) *http.Request {
	payload, _ := json.Marshal(map[string]string{"query": text})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestUploadThenQuery(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, uploadRequest(t, "alice-token", "france.txt", []byte("Paris is the capital of France.")))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	upload := decode[uploadResponse](t, resp)
	assert.Equal(t, "france.txt", upload.Filename)
	assert.Equal(t, 1, upload.NumChunksStored)
	assert.False(t, upload.Duplicate)
	assert.Equal(t, "Document uploaded and processed successfully", upload.Message)

	resp = s.do(t, queryRequest("alice-token", "What is the capital of France?"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	answer := decode[query.Response](t, resp)

	assert.Equal(t, "The capital of France is Paris.", answer.Answer)
	require.Len(t, answer.SourceDocuments, 1)
	assert.Equal(t, "france.txt", answer.SourceDocuments[0].Source)
	assert.Equal(t, models.OutcomeAnswered, answer.Outcome)
}

func TestUpload_DuplicateReturnsOriginal(t *testing.T) {
	s := newTestServer(t)
	data := []byte("The same notes, uploaded twice under different names.")

	first := decode[uploadResponse](t, s.do(t, uploadRequest(t, "alice-token", "notes.txt", data)))
	resp := s.do(t, uploadRequest(t, "alice-token", "copy.txt", data))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	second := decode[uploadResponse](t, resp)

	assert.True(t, second.Duplicate)
	assert.Equal(t, "notes.txt", second.Filename)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.NumChunksStored, second.NumChunksStored)
	assert.Equal(t, 1, s.store.Count())
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		status   int
		errType  string
	}{
		{"invalid type", "tool.exe", []byte("MZ"), fiber.StatusBadRequest, "InvalidFileTypeError"},
		{"too large", "big.txt", bytes.Repeat([]byte("a"), 2048), fiber.StatusRequestEntityTooLarge, "FileTooLargeError"},
		{"empty file", "empty.txt", []byte{}, fiber.StatusBadRequest, "EmptyContentError"},
		{"whitespace only", "blank.md", []byte("  \n\t  "), fiber.StatusBadRequest, "EmptyContentError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			resp := s.do(t, uploadRequest(t, "alice-token", tt.filename, tt.data))
			assert.Equal(t, tt.status, resp.StatusCode)

			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.errType, body.Error)
			assert.NotEmpty(t, body.Detail)
			_, err := time.Parse(time.RFC3339, body.Timestamp)
			assert.NoError(t, err)
			assert.Zero(t, s.store.Count())
		})
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer alice-token")
	resp := s.do(t, req)

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ValidationError", decode[ErrorResponse](t, resp).Error)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, uploadRequest(t, "", "france.txt", []byte("Paris")))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AuthenticationError", decode[ErrorResponse](t, resp).Error)

	resp = s.do(t, queryRequest("stolen-token", "anything"))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestQuery_Validation(t *testing.T) {
	s := newTestServer(t)

	for _, text := range []string{"", "   ", strings.Repeat("x", 101)} {
		resp := s.do(t, queryRequest("alice-token", text))
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "QueryValidationError", decode[ErrorResponse](t, resp).Error)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer alice-token")
	resp := s.do(t, req)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestQuery_NoDocuments(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, queryRequest("bob-token", "What is the capital of France?"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	answer := decode[query.Response](t, resp)

	assert.Equal(t, models.OutcomeNoDocuments, answer.Outcome)
	assert.Empty(t, answer.SourceDocuments)
	assert.Zero(t, s.generator.Calls())
}

func TestQuery_ServiceUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.do(t, uploadRequest(t, "alice-token", "france.txt", []byte("Paris is the capital of France.")))
	s.generator.Err = apperrors.ErrGenerationService

	resp := s.do(t, queryRequest("alice-token", "What is the capital of France?"))
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "GenerationServiceError", decode[ErrorResponse](t, resp).Error)
}

func TestListDocuments_IsolatedPerUser(t *testing.T) {
	s := newTestServer(t)
	s.do(t, uploadRequest(t, "alice-token", "france.txt", []byte("Paris is the capital of France.")))

	list := func(token string) []models.Document {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := s.do(t, req)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		return decode[struct {
			Documents []models.Document `json:"documents"`
		}](t, resp).Documents
	}

	alice := list("alice-token")
	require.Len(t, alice, 1)
	assert.Equal(t, "france.txt", alice[0].Filename)
	assert.Equal(t, "alice", alice[0].UserID)

	assert.Empty(t, list("bob-token"))
}

func TestQueryHistory(t *testing.T) {
	s := newTestServer(t)
	s.do(t, queryRequest("alice-token", "first question"))
	s.do(t, queryRequest("alice-token", "second question"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/query/history?limit=1", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp := s.do(t, req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	history := decode[struct {
		History []models.QueryRecord `json:"history"`
	}](t, resp).History
	require.Len(t, history, 1)
	assert.Equal(t, "second question", history[0].QueryText)
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp := s.do(t, req)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestDescribe(t *testing.T) {
	status, errType, detail := describe(fiber.ErrRequestEntityTooLarge)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "FileTooLargeError", errType)
	assert.NotEmpty(t, detail)

	status, errType, _ = describe(fiber.ErrUnsupportedMediaType)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)
	assert.Equal(t, "UnsupportedMediaTypeError", errType)

	status, errType, detail = describe(io.ErrUnexpectedEOF)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "InternalError", errType)
	assert.NotContains(t, detail, "EOF")
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"Paris", "is", "\n", "the", "capital."}, splitIntoWords("Paris  is\nthe capital."))
	assert.Empty(t, splitIntoWords(""))
}
