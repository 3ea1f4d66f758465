// Package apperrors defines the error kinds shared by the ingestion and query
// pipelines. Callers wrap them with fmt.Errorf("...: %w") and classify with errors.Is.
package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidFileType   = errors.New("invalid file type")
	ErrFileTooLarge      = errors.New("file too large")
	ErrEmptyContent      = errors.New("empty content")
	ErrQueryValidation   = errors.New("invalid query")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrDuplicateDocument = errors.New("duplicate document")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limit exceeded")

	ErrVectorStore       = errors.New("vector store unavailable")
	ErrEmbeddingService  = errors.New("embedding service unavailable")
	ErrGenerationService = errors.New("generation service unavailable")
	ErrMetadataStore     = errors.New("metadata store unavailable")
	ErrTimeout           = errors.New("operation timed out")
)

// Kind describes how an error is reported to API clients.
type Kind struct {
	Status int
	Type   string
}

// ordered so the most specific match wins: a timeout is joined with the
// service that timed out, and must be reported as a timeout.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrTimeout, Kind{http.StatusGatewayTimeout, "TimeoutError"}},
	{ErrUnauthorized, Kind{http.StatusUnauthorized, "AuthenticationError"}},
	{ErrRateLimited, Kind{http.StatusTooManyRequests, "RateLimitError"}},
	{ErrInvalidFileType, Kind{http.StatusBadRequest, "InvalidFileTypeError"}},
	{ErrFileTooLarge, Kind{http.StatusRequestEntityTooLarge, "FileTooLargeError"}},
	{ErrEmptyContent, Kind{http.StatusBadRequest, "EmptyContentError"}},
	{ErrQueryValidation, Kind{http.StatusBadRequest, "QueryValidationError"}},
	{ErrValidation, Kind{http.StatusBadRequest, "ValidationError"}},
	{ErrDimensionMismatch, Kind{http.StatusInternalServerError, "DimensionMismatchError"}},
	{ErrDuplicateDocument, Kind{http.StatusConflict, "DuplicateDocumentError"}},
	{ErrVectorStore, Kind{http.StatusServiceUnavailable, "VectorStoreError"}},
	{ErrEmbeddingService, Kind{http.StatusServiceUnavailable, "EmbeddingServiceError"}},
	{ErrGenerationService, Kind{http.StatusServiceUnavailable, "GenerationServiceError"}},
	{ErrMetadataStore, Kind{http.StatusServiceUnavailable, "MetadataStoreError"}},
}

// Internal is the kind of any error not wrapping a known sentinel.
var Internal = Kind{http.StatusInternalServerError, "InternalError"}

// Classify maps err to its API kind.
func Classify(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return Internal
}

// IsServiceUnavailable reports whether err came from a downstream dependency
// rather than from the request itself.
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrVectorStore) ||
		errors.Is(err, ErrEmbeddingService) ||
		errors.Is(err, ErrGenerationService) ||
		errors.Is(err, ErrMetadataStore)
}

// IsValidation reports whether err was caused by caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidFileType) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrQueryValidation)
}
