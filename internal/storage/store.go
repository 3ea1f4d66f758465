// Package storage declares the persistence capabilities used by the ingestion
// and query pipelines. Implementations live in the sqlite and neo4j subpackages.
package storage

import (
	"context"

	"github.com/knowledge-assistant/backend/internal/storage/models"
)

// DocumentStore persists metadata for ingested documents.
type DocumentStore interface {
	// FindByHash returns nil, nil when the user has no document with that hash.
	FindByHash(ctx context.Context, userID, contentHash string) (*models.Document, error)
	// Record stores doc. It fails with apperrors.ErrDuplicateDocument when the
	// user already has a document with the same content hash.
	Record(ctx context.Context, doc *models.Document) error
	ListDocuments(ctx context.Context, userID string) ([]models.Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueryLog keeps an audit trail of answered queries.
type QueryLog interface {
	RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
	QueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)
}
