package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/knowledge-assistant/backend/internal/middleware/auth"
	"github.com/knowledge-assistant/backend/internal/middleware/validation"
	"github.com/knowledge-assistant/backend/internal/query"
)

type QueryHandler struct {
	queryEngine *query.Engine
}

func NewQueryHandler(queryEngine *query.Engine) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	text, ok := validation.Query(c)
	if !ok {
		var req struct {
			Query string `json:"query"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
		text = req.Query
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), query.Request{
		UserID: auth.UserID(c),
		Query:  text,
	})
	if err != nil {
		return err
	}

	return c.JSON(response)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	history, err := h.queryEngine.History(c.UserContext(), auth.UserID(c), c.QueryInt("limit", 20))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}
