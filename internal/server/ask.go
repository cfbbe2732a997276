package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/campuskb/campuskb/internal/query"
)

// Answerer is the slice of the query engine the HTTP layer needs.
type Answerer interface {
	Answer(ctx context.Context, ownerID, question string, topK int) (query.Result, error)
}

type AskHandler struct {
	Engine Answerer
}

func (h *AskHandler) Register(g *echo.Group, queryLimit echo.MiddlewareFunc) {
	g.POST("", h.ask, queryLimit)
}

func (h *AskHandler) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.Engine.Answer(c.Request().Context(), ownerID(c), req.Question, req.TopK)
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuestion) || errors.Is(err, query.ErrInvalidTopK) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
