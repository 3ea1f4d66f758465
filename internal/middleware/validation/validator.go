package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
)

// LocalsQuery holds the sanitized query text for downstream handlers.
const LocalsQuery = "sanitized_query"

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// ContentType rejects POST and PUT bodies outside the allowed media types.
func ContentType(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType == "" {
			return c.Next()
		}
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.HasPrefix(strings.ToLower(contentType), allowed) {
				return c.Next()
			}
		}
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "Unsupported content type")
	}
}

// QueryBody checks the {"query": "..."} request shape before the query
// engine sees it and stores the sanitized text under LocalsQuery.
func QueryBody(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		var req map[string]interface{}
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fmt.Errorf("invalid JSON body: %w", apperrors.ErrQueryValidation)
		}

		raw, ok := req["query"].(string)
		if !ok {
			return fmt.Errorf("query is required and must be a string: %w", apperrors.ErrQueryValidation)
		}

		query := sanitizeString(raw)
		if query == "" {
			return fmt.Errorf("query must not be empty: %w", apperrors.ErrQueryValidation)
		}
		if n := utf8.RuneCountInString(query); n > cfg.MaxQueryLength {
			cfg.Logger.Debug("Oversized query rejected",
				zap.String("ip", c.IP()),
				zap.Int("length", n),
			)
			return fmt.Errorf("query is %d characters, limit is %d: %w", n, cfg.MaxQueryLength, apperrors.ErrQueryValidation)
		}

		c.Locals(LocalsQuery, query)
		return c.Next()
	}
}

// Query returns the text stored by QueryBody.
func Query(c *fiber.Ctx) (string, bool) {
	q, ok := c.Locals(LocalsQuery).(string)
	return q, ok
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
