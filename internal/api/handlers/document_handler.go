package handlers

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/ingestion"
	"github.com/knowledge-assistant/backend/internal/middleware/auth"
	"github.com/knowledge-assistant/backend/internal/storage"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
	store     storage.DocumentStore
}

func NewDocumentHandler(processor *ingestion.Processor, store storage.DocumentStore) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		store:     store,
	}
}

type uploadResponse struct {
	DocumentID      string `json:"document_id"`
	Filename        string `json:"filename"`
	Message         string `json:"message"`
	NumChunksStored int    `json:"num_chunks_stored"`
	Duplicate       bool   `json:"duplicate"`
}

// UploadDocument ingests the multipart "file" field for the caller.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("multipart field \"file\" is required: %w", apperrors.ErrValidation)
	}
	filename := filepath.Base(fh.Filename)

	// reject by declared size and type before reading the body
	if err := h.processor.Validate(filename, fh.Size); err != nil {
		return err
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	result, err := h.processor.Ingest(c.UserContext(), ingestion.Upload{
		UserID:   userID,
		Filename: filename,
		Data:     data,
	})
	if err != nil {
		return err
	}

	message := "Document uploaded and processed successfully"
	if result.Duplicate {
		message = "Document was already uploaded; returning the existing record"
	}

	logger.Info("Upload handled",
		zap.String("user_id", userID),
		zap.String("filename", result.Filename),
		zap.Bool("duplicate", result.Duplicate),
	)

	return c.JSON(uploadResponse{
		DocumentID:      result.DocumentID,
		Filename:        result.Filename,
		Message:         message,
		NumChunksStored: result.ChunkCount,
		Duplicate:       result.Duplicate,
	})
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.store.ListDocuments(c.UserContext(), auth.UserID(c))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"documents": docs,
	})
}
