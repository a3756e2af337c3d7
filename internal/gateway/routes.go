package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

// Handler serves the BFF routes in front of the link service.
type Handler struct {
	links LinksClient
}

func NewHandler(links LinksClient) *Handler {
	return &Handler{links: links}
}

// Register mounts the BFF routes.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/links", h.createLink)
	e.GET("/links/:code", h.getLink)
	e.DELETE("/links/:code", h.deleteLink)
	e.GET("/r/:code", h.redirect)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *Handler) createLink(c echo.Context) error {
	var in CreateLinkRequest
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if in.TargetURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "target_url is required"})
	}
	link, err := h.links.CreateLink(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err, "create link")
	}
	return c.JSON(http.StatusCreated, link)
}

func (h *Handler) getLink(c echo.Context) error {
	link, err := h.links.GetLink(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err, "get link")
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) deleteLink(c echo.Context) error {
	if err := h.links.DeleteLink(c.Request().Context(), c.Param("code")); err != nil {
		return h.fail(c, err, "delete link")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) redirect(c echo.Context) error {
	target, err := h.links.Resolve(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err, "resolve link")
	}
	return c.Redirect(http.StatusFound, target)
}

// fail maps upstream errors onto BFF responses, logging through the request
// scope so every line carries the established context.
func (h *Handler) fail(c echo.Context, err error, op string) error {
	switch {
	case errors.Is(err, ErrLinkNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "link not found"})
	case errors.Is(err, ErrLinkExpired):
		return c.JSON(http.StatusGone, map[string]string{"error": "link expired"})
	}
	stdcontext.Logger(c.Request().Context()).Error("upstream call failed",
		zap.String("op", op), zap.Error(err))
	return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
}
