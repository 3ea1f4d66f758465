// Package neo4j stores document metadata as a graph:
// (:User {id})-[:UPLOADED]->(:Document).
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/pkg/circuitbreaker"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/retry"
)

const constraintViolation = "Neo.ClientError.Schema.ConstraintValidationFailed"

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure: func(err error) bool {
			return err != nil && !isConstraintViolation(err) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: metrics.ObserveBreaker,
		Logger:        logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    neo4j.IsRetryable,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close() error {
	return c.driver.Close(context.Background())
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMetadataStore, err)
	}
	return nil
}

// InitSchema creates the per-user content hash uniqueness constraint.
func (c *Client) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT document_user_hash IF NOT EXISTS
		 FOR (d:Document) REQUIRE (d.user_id, d.content_hash) IS UNIQUE`,
		`CREATE CONSTRAINT user_id IF NOT EXISTS
		 FOR (u:User) REQUIRE u.id IS UNIQUE`,
	}

	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			result, err := session.Run(ctx, stmt, nil)
			if err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
			if _, err := result.Consume(ctx); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) FindByHash(ctx context.Context, userID, contentHash string) (*models.Document, error) {
	query := `
		MATCH (d:Document {user_id: $user_id, content_hash: $content_hash})
		RETURN d.id AS id, d.user_id AS user_id, d.filename AS filename,
		       d.original_size AS original_size, d.content_hash AS content_hash,
		       d.chunk_count AS chunk_count, d.upload_timestamp AS upload_timestamp
		LIMIT 1
	`

	var doc *models.Document
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]interface{}{
			"user_id":      userID,
			"content_hash": contentHash,
		})
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			doc = recordToDocument(result.Record())
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up document hash: %w: %w", apperrors.ErrMetadataStore, err)
	}

	return doc, nil
}

func (c *Client) Record(ctx context.Context, doc *models.Document) error {
	query := `
		MERGE (u:User {id: $user_id})
		CREATE (d:Document {
			id: $id,
			user_id: $user_id,
			filename: $filename,
			original_size: $original_size,
			content_hash: $content_hash,
			chunk_count: $chunk_count,
			upload_timestamp: $upload_timestamp
		})
		CREATE (u)-[:UPLOADED]->(d)
	`

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]interface{}{
			"id":               doc.ID,
			"user_id":          doc.UserID,
			"filename":         doc.Filename,
			"original_size":    doc.OriginalSize,
			"content_hash":     doc.ContentHash,
			"chunk_count":      int64(doc.ChunkCount),
			"upload_timestamp": doc.UploadTimestamp.Unix(),
		})
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if isConstraintViolation(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("document %s for user %s: %w", doc.ContentHash, doc.UserID, apperrors.ErrDuplicateDocument)
		}
		return fmt.Errorf("failed to record document: %w: %w", apperrors.ErrMetadataStore, err)
	}

	logger.Debug("Document recorded in graph",
		zap.String("doc_id", doc.ID),
		zap.String("user_id", doc.UserID),
	)
	return nil
}

func (c *Client) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	query := `
		MATCH (:User {id: $user_id})-[:UPLOADED]->(d:Document)
		RETURN d.id AS id, d.user_id AS user_id, d.filename AS filename,
		       d.original_size AS original_size, d.content_hash AS content_hash,
		       d.chunk_count AS chunk_count, d.upload_timestamp AS upload_timestamp
		ORDER BY d.upload_timestamp DESC, d.filename
	`

	docs := []models.Document{}
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		docs = docs[:0]
		result, err := session.Run(ctx, query, map[string]interface{}{"user_id": userID})
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			docs = append(docs, *recordToDocument(result.Record()))
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w: %w", apperrors.ErrMetadataStore, err)
	}

	return docs, nil
}

func recordToDocument(record *neo4j.Record) *models.Document {
	id, _ := record.Get("id")
	userID, _ := record.Get("user_id")
	filename, _ := record.Get("filename")
	size, _ := record.Get("original_size")
	hash, _ := record.Get("content_hash")
	chunks, _ := record.Get("chunk_count")
	uploaded, _ := record.Get("upload_timestamp")

	return &models.Document{
		ID:              asString(id),
		UserID:          asString(userID),
		Filename:        asString(filename),
		OriginalSize:    asInt64(size),
		ContentHash:     asString(hash),
		ChunkCount:      int(asInt64(chunks)),
		UploadTimestamp: time.Unix(asInt64(uploaded), 0).UTC(),
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	return errors.As(err, &neoErr) && neoErr.Code == constraintViolation
}
