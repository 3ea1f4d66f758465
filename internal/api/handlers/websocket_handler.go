package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/middleware/auth"
	"github.com/knowledge-assistant/backend/internal/query"
	"github.com/knowledge-assistant/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine *query.Engine
}

func NewWebSocketHandler(queryEngine *query.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		queryEngine: queryEngine,
	}
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RequireUpgrade rejects plain HTTP requests to the websocket route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals(auth.LocalsUserID).(string)
	log := logger.GetLogger().With(zap.String("user_id", userID))
	log.Info("WebSocket connection established")

	defer func() {
		c.Close()
		log.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			continue
		}

		if err := h.streamResponse(c, userID, msg.Content); err != nil {
			log.Warn("Failed to answer WebSocket query", zap.Error(err))
			if sendErr := h.sendError(c, err); sendErr != nil {
				return
			}
		}
	}
}

// streamResponse sends a status frame, the answer word by word, and finally
// the cited sources.
func (h *WebSocketHandler) streamResponse(c *websocket.Conn, userID, text string) error {
	if err := h.send(c, fiber.Map{"type": "status", "content": "Processing query..."}); err != nil {
		return err
	}

	response, err := h.queryEngine.ProcessQuery(context.Background(), query.Request{
		UserID: userID,
		Query:  text,
	})
	if err != nil {
		return err
	}

	words := splitIntoWords(response.Answer)
	for i, word := range words {
		chunk := word
		if word != "\n" && i < len(words)-1 && words[i+1] != "\n" {
			chunk += " "
		}
		if err := h.send(c, fiber.Map{"type": "chunk", "content": chunk}); err != nil {
			return err
		}
	}

	return h.send(c, fiber.Map{
		"type":             "complete",
		"query_id":         response.QueryID,
		"outcome":          response.Outcome,
		"source_documents": response.SourceDocuments,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg fiber.Map) error {
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) error {
	_, errType, detail := describe(err)
	return h.send(c, fiber.Map{
		"type":   "error",
		"error":  errType,
		"detail": detail,
	})
}

// splitIntoWords splits on spaces and keeps newlines as their own tokens.
func splitIntoWords(text string) []string {
	words := []string{}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
