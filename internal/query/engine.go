package query

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/llm"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/storage"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

type Options struct {
	TopK           int
	MinScore       float32
	MaxQueryLength int
	ExcerptLength  int
}

type Engine struct {
	vectors   *vector.Manager
	embedder  llm.Embedder
	generator llm.Generator
	history   storage.QueryLog
	opts      Options
	now       func() time.Time
}

type Request struct {
	UserID string
	Query  string
}

type SourceDocument struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
}

type Response struct {
	QueryID         string              `json:"query_id"`
	Query           string              `json:"query"`
	Answer          string              `json:"answer"`
	SourceDocuments []SourceDocument    `json:"source_documents"`
	Outcome         models.QueryOutcome `json:"outcome"`
	Timestamp       time.Time           `json:"timestamp"`
}

// NewEngine wires the retrieval pipeline. history may be nil.
func NewEngine(vectors *vector.Manager, embedder llm.Embedder, generator llm.Generator, history storage.QueryLog, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = 5000
	}
	if opts.ExcerptLength <= 0 {
		opts.ExcerptLength = 500
	}

	return &Engine{
		vectors:   vectors,
		embedder:  embedder,
		generator: generator,
		history:   history,
		opts:      opts,
		now:       time.Now,
	}
}

// Validate checks a query before any embedding work is done.
func (e *Engine) Validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query must not be empty: %w", apperrors.ErrQueryValidation)
	}
	if n := utf8.RuneCountInString(query); n > e.opts.MaxQueryLength {
		return fmt.Errorf("query is %d characters, limit is %d: %w", n, e.opts.MaxQueryLength, apperrors.ErrQueryValidation)
	}
	return nil
}

// ProcessQuery answers req.Query from the caller's own documents only.
func (e *Engine) ProcessQuery(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("user id is required: %w", apperrors.ErrValidation)
	}
	if err := e.Validate(req.Query); err != nil {
		return nil, err
	}

	start := e.now()
	queryID := uuid.NewString()
	log := logger.GetLogger().With(
		zap.String("query_id", queryID),
		zap.String("user_id", req.UserID),
	)
	log.Info("Processing query", zap.Int("query_length", len(req.Query)))

	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	hits, hasDocs, err := e.retrieve(ctx, req.UserID, embedding)
	if err != nil {
		return nil, err
	}
	metrics.RetrievedChunks.Observe(float64(len(hits)))

	resp := &Response{
		QueryID:         queryID,
		Query:           req.Query,
		SourceDocuments: []SourceDocument{},
	}

	switch {
	case !hasDocs:
		resp.Answer = noDocumentsAnswer
		resp.Outcome = models.OutcomeNoDocuments
	case len(hits) == 0:
		resp.Answer = noMatchAnswer
		resp.Outcome = models.OutcomeNoMatch
	default:
		answer, err := e.generator.Generate(ctx, BuildPrompt(req.Query, hits))
		if err != nil {
			metrics.QueryTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		resp.Answer = answer
		resp.Outcome = models.OutcomeAnswered
		for _, hit := range hits {
			resp.SourceDocuments = append(resp.SourceDocuments, SourceDocument{
				Source: hit.Payload.Source,
				Text:   excerpt(hit.Payload.Text, e.opts.ExcerptLength),
				Score:  hit.Score,
			})
		}
	}

	end := e.now()
	latency := end.Sub(start)
	resp.Timestamp = end.UTC()

	metrics.QueryTotal.WithLabelValues(string(resp.Outcome)).Inc()
	metrics.QueryDuration.WithLabelValues(string(resp.Outcome)).Observe(latency.Seconds())

	e.record(ctx, req, resp, hits, latency)

	log.Info("Query processed",
		zap.String("outcome", string(resp.Outcome)),
		zap.Int("sources", len(resp.SourceDocuments)),
		zap.Duration("latency", latency),
	)

	return resp, nil
}

// retrieve returns the caller's hits that pass the ownership and score
// filters, and whether the caller has any indexed documents at all.
func (e *Engine) retrieve(ctx context.Context, userID string, embedding []float32) ([]vector.Hit, bool, error) {
	exists, err := e.vectors.HasCollection(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	hits, err := e.vectors.Search(ctx, vector.CollectionName(userID), embedding, e.opts.TopK)
	if err != nil {
		return nil, true, err
	}

	kept := hits[:0]
	for _, hit := range hits {
		if hit.Payload.UserID != userID {
			logger.Warn("Dropping hit owned by another user",
				zap.String("user_id", userID),
				zap.String("point_id", hit.ID),
			)
			continue
		}
		if hit.Score < e.opts.MinScore {
			continue
		}
		kept = append(kept, hit)
	}
	return kept, true, nil
}

// History returns the caller's most recent queries, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	if e.history == nil {
		return []models.QueryRecord{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.history.QueryHistory(ctx, userID, limit)
}

func (e *Engine) record(ctx context.Context, req Request, resp *Response, hits []vector.Hit, latency time.Duration) {
	if e.history == nil {
		return
	}

	rec := &models.QueryRecord{
		ID:          resp.QueryID,
		UserID:      req.UserID,
		QueryText:   req.Query,
		Answer:      resp.Answer,
		SourceCount: len(resp.SourceDocuments),
		Outcome:     resp.Outcome,
		LatencyMS:   latency.Milliseconds(),
		CreatedAt:   resp.Timestamp,
	}

	var sources []models.QuerySource
	if resp.Outcome == models.OutcomeAnswered {
		sources = make([]models.QuerySource, len(hits))
		for i, hit := range hits {
			sources[i] = models.QuerySource{
				QueryID: resp.QueryID,
				Source:  hit.Payload.Source,
				PointID: hit.ID,
				Score:   hit.Score,
			}
		}
	}

	if err := e.history.RecordQuery(context.WithoutCancel(ctx), rec, sources); err != nil {
		logger.Warn("Failed to record query history",
			zap.String("query_id", resp.QueryID),
			zap.Error(err),
		)
	}
}
