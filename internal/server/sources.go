package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"

	"github.com/campuskb/campuskb/internal/ingest"
	"github.com/campuskb/campuskb/internal/store"
)

// Ingestor is the slice of the orchestrator the HTTP layer needs.
type Ingestor interface {
	Trigger(ctx context.Context, sourceID, ownerID string) error
	ReingestAll(ctx context.Context, ownerID string) ([]ingest.BulkResult, error)
	DeleteAll(ctx context.Context, ownerID string) (int64, error)
	DeleteSource(ctx context.Context, sourceID, ownerID string) error
}

type SourcesHandler struct {
	Store    *store.Store
	Ingestor Ingestor
}

// Register wires the source CRUD and ingestion routes. bulkLimit guards the
// expensive whole-corpus operations with a stricter rate limit rule.
func (h *SourcesHandler) Register(g *echo.Group, scrapeLimit, bulkLimit echo.MiddlewareFunc) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.GET("/:id/chunks", h.chunks)
	g.POST("/:id/ingest", h.trigger, scrapeLimit)
	g.POST("/reingest-all", h.reingestAll, bulkLimit)
	g.DELETE("", h.deleteAll, bulkLimit)
}

func (h *SourcesHandler) create(c echo.Context) error {
	var req CreateSourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = store.KindURL
	}
	switch req.Kind {
	case store.KindURL:
		u, err := url.Parse(req.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "origin must be a valid http(s) URL")
		}
	case store.KindDocument:
		if req.Origin == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "origin (document identifier) is required")
		}
		if req.Body == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "body is required for document sources")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be url or document")
	}

	src, err := h.Store.CreateSource(c.Request().Context(), ownerID(c), req.Kind, req.Origin, req.Title)
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return echo.NewHTTPError(http.StatusConflict, "source already registered")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if req.Kind == store.KindDocument {
		content := store.SourceContent{
			SourceID:      src.ID,
			OwnerID:       src.OwnerID,
			Title:         req.Title,
			Body:          req.Body,
			ContentLength: len(req.Body),
			FetchedAt:     time.Now().UTC(),
		}
		if err := h.Store.UpsertSourceContent(c.Request().Context(), content); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, src)
}

func (h *SourcesHandler) list(c echo.Context) error {
	sources, err := h.Store.ListSources(c.Request().Context(), ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sources == nil {
		sources = []store.Source{}
	}
	return c.JSON(http.StatusOK, sources)
}

func (h *SourcesHandler) get(c echo.Context) error {
	src, err := h.Store.GetSource(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "source not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, src)
}

func (h *SourcesHandler) delete(c echo.Context) error {
	err := h.Ingestor.DeleteSource(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "source not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SourcesHandler) chunks(c echo.Context) error {
	// Ownership check first so foreign ids read as missing.
	if _, err := h.Store.GetSource(c.Request().Context(), c.Param("id"), ownerID(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "source not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	chunks, err := h.Store.ListChunksBySource(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]map[string]interface{}, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, map[string]interface{}{
			"id":          ch.ID,
			"chunk_index": ch.ChunkIndex,
			"metadata":    ch.Metadata,
			"created_at":  ch.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SourcesHandler) trigger(c echo.Context) error {
	err := h.Ingestor.Trigger(c.Request().Context(), c.Param("id"), ownerID(c))
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": store.StatusPending})
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	case errors.Is(err, ingest.ErrInFlight):
		return echo.NewHTTPError(http.StatusConflict, "ingestion already in progress")
	case errors.Is(err, ingest.ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion queue is full, try again later")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *SourcesHandler) reingestAll(c echo.Context) error {
	// Detached from the request: once started, the batch runs to completion
	// even if the client disconnects or a proxy times the request out.
	ctx := context.WithoutCancel(c.Request().Context())
	results, err := h.Ingestor.ReingestAll(ctx, ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []ingest.BulkResult{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *SourcesHandler) deleteAll(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	deleted, err := h.Ingestor.DeleteAll(ctx, ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, BulkDeleteResponse{DeletedVectors: deleted, Status: "deleted"})
}
