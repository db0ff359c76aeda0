package operation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/recordflow/recordflow/internal/dispatch"
)

type Handler struct {
	svc        *Service
	repo       Repository
	dispatcher *dispatch.Dispatcher
}

func NewHandler(svc *Service, repo Repository, dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{svc: svc, repo: repo, dispatcher: dispatcher}
}

// Register binds the read endpoints on the authenticated API group.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/documents/:id/progress", h.progress)
	g.GET("/documents/:id/instances", h.instances)
	g.GET("/instances/:id", h.instance)
	g.GET("/instances/:id/logs", h.logs)
}

// RegisterCallbacks binds the push-back endpoint the task queue posts to.
// The group carries API-key auth, not user JWTs.
func (h *Handler) RegisterCallbacks(g *echo.Group) {
	g.POST("/orchestration/run", h.run)
}

type runRequest struct {
	InstanceID uuid.UUID `json:"instance_id"`
}

func (h *Handler) run(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.InstanceID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "instance_id is required")
	}
	if err := h.svc.Run(c.Request().Context(), h.dispatcher, req.InstanceID); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		// Non-2xx makes the queue redeliver the push-back.
		return echo.NewHTTPError(http.StatusInternalServerError, "pipeline run failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) progress(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	tree, err := h.svc.BuildProgress(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build progress")
	}
	return c.JSON(http.StatusOK, tree)
}

func (h *Handler) instances(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	out, err := h.repo.ListInstancesByDocument(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list instances")
	}
	if out == nil {
		out = []*Instance{}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) instance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance id")
	}
	inst, err := h.repo.GetInstance(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load instance")
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) logs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance id")
	}
	out, err := h.repo.ListLogsByInstance(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list logs")
	}
	if out == nil {
		out = []*InstanceLog{}
	}
	return c.JSON(http.StatusOK, out)
}
