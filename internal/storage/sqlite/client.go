package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/storage/models"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// connection pragmas go in the DSN so every pooled connection gets them
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMetadataStore, err)
	}
	return nil
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		original_size INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		upload_timestamp INTEGER NOT NULL,
		UNIQUE (user_id, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, upload_timestamp);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		answer TEXT,
		source_count INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id, created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		source TEXT NOT NULL,
		point_id TEXT,
		score REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) FindByHash(ctx context.Context, userID, contentHash string) (*models.Document, error) {
	query := `
		SELECT id, user_id, filename, original_size, content_hash, chunk_count, upload_timestamp
		FROM documents WHERE user_id = ? AND content_hash = ?
	`

	doc, err := scanDocument(c.db.QueryRowContext(ctx, query, userID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document hash: %w: %w", apperrors.ErrMetadataStore, err)
	}
	return doc, nil
}

func (c *Client) Record(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, user_id, filename, original_size, content_hash, chunk_count, upload_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.ID,
		doc.UserID,
		doc.Filename,
		doc.OriginalSize,
		doc.ContentHash,
		doc.ChunkCount,
		doc.UploadTimestamp.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("document %s for user %s: %w", doc.ContentHash, doc.UserID, apperrors.ErrDuplicateDocument)
		}
		return fmt.Errorf("failed to insert document: %w: %w", apperrors.ErrMetadataStore, err)
	}

	logger.Debug("Document recorded",
		zap.String("doc_id", doc.ID),
		zap.String("user_id", doc.UserID),
		zap.Int("chunks", doc.ChunkCount),
	)
	return nil
}

func (c *Client) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	query := `
		SELECT id, user_id, filename, original_size, content_hash, chunk_count, upload_timestamp
		FROM documents WHERE user_id = ?
		ORDER BY upload_timestamp DESC, filename
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w: %w", apperrors.ErrMetadataStore, err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w: %w", apperrors.ErrMetadataStore, err)
	}

	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var uploaded int64

	err := row.Scan(
		&doc.ID,
		&doc.UserID,
		&doc.Filename,
		&doc.OriginalSize,
		&doc.ContentHash,
		&doc.ChunkCount,
		&uploaded,
	)
	if err != nil {
		return nil, err
	}

	doc.UploadTimestamp = time.Unix(uploaded, 0).UTC()
	return &doc, nil
}

func (c *Client) RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, query_text, answer, source_count, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.QueryText,
		record.Answer,
		record.SourceCount,
		string(record.Outcome),
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, src := range sources {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, source, point_id, score) VALUES (?, ?, ?, ?)`,
			record.ID, src.Source, src.PointID, src.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}
	return nil
}

func (c *Client) QueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, user_id, query_text, answer, source_count, outcome, latency_ms, created_at
		FROM query_history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	records := []models.QueryRecord{}
	for rows.Next() {
		var r models.QueryRecord
		var outcome string
		var answer sql.NullString
		var latency sql.NullInt64
		var createdAt int64

		err := rows.Scan(&r.ID, &r.UserID, &r.QueryText, &answer, &r.SourceCount, &outcome, &latency, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Answer = answer.String
		r.LatencyMS = latency.Int64
		r.Outcome = models.QueryOutcome(outcome)
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, r)
	}

	return records, rows.Err()
}
