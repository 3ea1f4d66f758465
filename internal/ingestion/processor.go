package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/llm"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/storage"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/utils"
)

type Options struct {
	AllowedTypes []string
	MaxFileSize  int64
	ChunkSize    int
	ChunkOverlap int
	// Timeout bounds one ingestion run independently of the caller's context.
	Timeout time.Duration
}

type Upload struct {
	UserID   string
	Filename string
	Data     []byte
}

type Result struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"num_chunks_stored"`
	Duplicate  bool   `json:"duplicate"`
}

type Processor struct {
	store    storage.DocumentStore
	vectors  *vector.Manager
	embedder llm.Embedder
	chunker  *Chunker
	allowed  map[string]bool
	maxSize  int64
	timeout  time.Duration
	inflight singleflight.Group
	now      func() time.Time
}

func NewProcessor(store storage.DocumentStore, vectors *vector.Manager, embedder llm.Embedder, opts Options) *Processor {
	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 10 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	return &Processor{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		chunker:  NewChunker(opts.ChunkSize, opts.ChunkOverlap),
		allowed:  allowed,
		maxSize:  opts.MaxFileSize,
		timeout:  opts.Timeout,
		now:      time.Now,
	}
}

// Validate rejects uploads before any parsing or hashing work.
func (p *Processor) Validate(filename string, size int64) error {
	fileType := FileType(filename)
	if !p.allowed[fileType] {
		return fmt.Errorf("file type %q is not allowed: %w", fileType, apperrors.ErrInvalidFileType)
	}
	if size > p.maxSize {
		return fmt.Errorf("file is %d bytes, limit is %d: %w", size, p.maxSize, apperrors.ErrFileTooLarge)
	}
	if size == 0 {
		return fmt.Errorf("file is empty: %w", apperrors.ErrEmptyContent)
	}
	return nil
}

// Ingest indexes an upload for its user. Identical content uploaded again by
// the same user is reported as a duplicate of the original without re-indexing.
// The run is detached from ctx cancellation so a disconnecting client cannot
// leave vectors stored without metadata.
func (p *Processor) Ingest(ctx context.Context, up Upload) (*Result, error) {
	if strings.TrimSpace(up.UserID) == "" {
		return nil, fmt.Errorf("user id is required: %w", apperrors.ErrValidation)
	}
	if err := p.Validate(up.Filename, int64(len(up.Data))); err != nil {
		metrics.DocumentsIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	hash := utils.HashBytes(up.Data)

	// identical concurrent uploads share one run
	executed := false
	v, err, _ := p.inflight.Do(up.UserID+"/"+hash, func() (interface{}, error) {
		executed = true
		return p.ingest(ctx, up, hash)
	})
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, err
	}

	res := *v.(*Result)
	if !executed {
		res.Duplicate = true
	}
	return &res, nil
}

func (p *Processor) ingest(ctx context.Context, up Upload, hash string) (*Result, error) {
	start := p.now()
	fileType := FileType(up.Filename)
	log := logger.GetLogger().With(
		zap.String("user_id", up.UserID),
		zap.String("filename", up.Filename),
		zap.String("content_hash", hash),
	)

	existing, err := p.store.FindByHash(ctx, up.UserID, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("Duplicate upload short-circuited", zap.String("original", existing.Filename))
		metrics.DocumentsIngested.WithLabelValues("duplicate").Inc()
		return duplicateResult(existing), nil
	}

	text, err := Parse(fileType, up.Data)
	if err != nil {
		return nil, err
	}

	chunks, err := p.chunker.Chunk(text)
	if err != nil {
		return nil, err
	}
	log.Debug("Document chunked", zap.Int("chunks", len(chunks)))

	embeddings, err := p.embedder.EmbedMany(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("got %d embeddings for %d chunks: %w", len(embeddings), len(chunks), apperrors.ErrEmbeddingService)
	}

	collection, err := p.vectors.EnsureCollection(ctx, up.UserID, p.embedder.Dimension())
	if err != nil {
		return nil, err
	}

	uploaded := p.now().UTC()
	payloads := make([]vector.Payload, len(chunks))
	for i, chunk := range chunks {
		payloads[i] = vector.Payload{
			Text:       chunk,
			Source:     up.Filename,
			UserID:     up.UserID,
			UploadDate: uploaded,
		}
	}

	if _, err := p.vectors.Upsert(ctx, collection, embeddings, payloads); err != nil {
		return nil, err
	}
	metrics.ChunksStored.Add(float64(len(chunks)))

	// metadata is written only once the vectors are stored
	doc := &models.Document{
		ID:              uuid.NewString(),
		UserID:          up.UserID,
		Filename:        up.Filename,
		OriginalSize:    int64(len(up.Data)),
		ContentHash:     hash,
		ChunkCount:      len(chunks),
		UploadTimestamp: uploaded,
	}

	if err := p.store.Record(ctx, doc); err != nil {
		if !errors.Is(err, apperrors.ErrDuplicateDocument) {
			return nil, err
		}
		// another instance recorded the same content first
		winner, findErr := p.store.FindByHash(ctx, up.UserID, hash)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		log.Warn("Concurrent duplicate upload, keeping the first record", zap.String("doc_id", winner.ID))
		metrics.DocumentsIngested.WithLabelValues("duplicate").Inc()
		return duplicateResult(winner), nil
	}

	elapsed := p.now().Sub(start)
	metrics.DocumentsIngested.WithLabelValues("stored").Inc()
	metrics.IngestionDuration.WithLabelValues(fileType).Observe(elapsed.Seconds())

	log.Info("Document ingested",
		zap.String("doc_id", doc.ID),
		zap.String("collection", collection),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		ChunkCount: doc.ChunkCount,
	}, nil
}

func duplicateResult(doc *models.Document) *Result {
	return &Result{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		ChunkCount: doc.ChunkCount,
		Duplicate:  true,
	}
}
