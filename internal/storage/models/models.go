package models

import "time"

// Document is the metadata record of one successfully ingested upload.
// (UserID, ContentHash) is unique.
type Document struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Filename        string    `json:"filename"`
	OriginalSize    int64     `json:"original_size"`
	ContentHash     string    `json:"file_hash"`
	ChunkCount      int       `json:"chunks_count"`
	UploadTimestamp time.Time `json:"upload_date"`
}

type QueryOutcome string

const (
	OutcomeAnswered    QueryOutcome = "answered"
	OutcomeNoDocuments QueryOutcome = "no_documents"
	OutcomeNoMatch     QueryOutcome = "no_match"
)

type QueryRecord struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	QueryText   string       `json:"query"`
	Answer      string       `json:"answer"`
	SourceCount int          `json:"source_count"`
	Outcome     QueryOutcome `json:"outcome"`
	LatencyMS   int64        `json:"latency_ms"`
	CreatedAt   time.Time    `json:"created_at"`
}

type QuerySource struct {
	ID      int64   `json:"id"`
	QueryID string  `json:"query_id"`
	Source  string  `json:"source"`
	PointID string  `json:"point_id"`
	Score   float32 `json:"score"`
}
