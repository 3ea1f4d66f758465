// Package auth resolves the caller's user id from a bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/pkg/config"
)

// LocalsUserID is the fiber.Ctx locals key holding the verified user id.
const LocalsUserID = "user_id"

type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// TokenTable verifies static tokens loaded from configuration.
type TokenTable struct {
	entries []config.TokenConfig
}

func NewTokenTable(tokens []config.TokenConfig) *TokenTable {
	entries := make([]config.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			continue
		}
		entries = append(entries, t)
	}
	return &TokenTable{entries: entries}
}

func (t *TokenTable) Verify(_ context.Context, token string) (string, error) {
	for _, e := range t.entries {
		if subtle.ConstantTimeCompare([]byte(e.Token), []byte(token)) == 1 {
			return e.UserID, nil
		}
	}
	return "", fmt.Errorf("unknown token: %w", apperrors.ErrUnauthorized)
}

type Config struct {
	Verifier Verifier
	// QueryParam, when set, is read if the Authorization header is absent.
	// Browsers cannot set headers on websocket upgrades.
	QueryParam string
	Logger     *zap.Logger
}

// Middleware rejects requests without a valid "Authorization: Bearer" header
// and stores the verified user id under LocalsUserID.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok && cfg.QueryParam != "" {
			token = c.Query(cfg.QueryParam)
			ok = token != ""
		}
		if !ok {
			return fmt.Errorf("missing bearer token: %w", apperrors.ErrUnauthorized)
		}

		userID, err := cfg.Verifier.Verify(c.UserContext(), token)
		if err != nil {
			cfg.Logger.Warn("Rejected bearer token",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return err
		}

		c.Locals(LocalsUserID, userID)
		return c.Next()
	}
}

// UserID returns the id stored by Middleware, or "" outside an authenticated route.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalsUserID).(string)
	return id
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
