package links

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST("/links", h.CreateLink)
	e.GET("/links/:code", h.GetLink)
	e.DELETE("/links/:code", h.DeleteLink)
	e.GET("/r/:code", h.Redirect)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

type createLinkRequest struct {
	TargetURL  string `json:"target_url"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (h *Handler) CreateLink(c echo.Context) error {
	var req createLinkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	link, err := h.svc.CreateLink(c.Request().Context(), CreateLinkInput{
		TargetURL:  req.TargetURL,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		return h.fail(c, err, "create link")
	}
	return c.JSON(http.StatusCreated, link)
}

func (h *Handler) GetLink(c echo.Context) error {
	link, err := h.svc.GetLink(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err, "get link")
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) DeleteLink(c echo.Context) error {
	if err := h.svc.DeleteLink(c.Request().Context(), c.Param("code")); err != nil {
		return h.fail(c, err, "delete link")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Redirect(c echo.Context) error {
	target, err := h.svc.Resolve(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err, "resolve link")
	}
	return c.Redirect(http.StatusFound, target)
}

func (h *Handler) fail(c echo.Context, err error, op string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "link not found"})
	case errors.Is(err, ErrExpired):
		return c.JSON(http.StatusGone, map[string]string{"error": "link expired"})
	case errors.Is(err, ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	stdcontext.Logger(c.Request().Context()).Error("link operation failed",
		zap.String("op", op), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
