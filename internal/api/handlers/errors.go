package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// ErrorHandler is installed as fiber.Config.ErrorHandler. Every error returned
// by a handler or middleware is rendered as an ErrorResponse.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status, errType, detail := describe(err)

	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Debug("Request rejected", fields...)
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:     errType,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func describe(err error) (int, string, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusRequestEntityTooLarge:
			return fe.Code, "FileTooLargeError", fe.Message
		case fiber.StatusNotFound:
			return fe.Code, "NotFoundError", fe.Message
		default:
			return fe.Code, strings.ReplaceAll(http.StatusText(fe.Code), " ", "") + "Error", fe.Message
		}
	}

	kind := apperrors.Classify(err)
	if kind == apperrors.Internal {
		// internal failures do not leak their cause
		return kind.Status, kind.Type, "An internal error occurred"
	}
	return kind.Status, kind.Type, err.Error()
}
