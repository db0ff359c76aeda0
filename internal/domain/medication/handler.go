package medication

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/recordflow/recordflow/internal/dispatch"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/patients/:id/medications", h.profile)
	g.GET("/patients/:id/medications/resolved", h.resolved)
	g.GET("/documents/:id/extracted-medications", h.extracted)
}

func (h *Handler) profile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	prof, err := h.repo.GetProfileByPatient(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no medication profile for patient")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load profile")
	}
	return c.JSON(http.StatusOK, prof)
}

// resolvedView is the flattened read model a chart UI renders.
type resolvedView struct {
	RecordID   uuid.UUID      `json:"record_id"`
	Medication Value          `json:"medication"`
	Origin     ResolvedOrigin `json:"origin"`
	Unlisted   bool           `json:"unlisted"`
	HostLinked bool           `json:"host_linked"`
	References int            `json:"references"`
}

func (h *Handler) resolved(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	prof, err := h.repo.GetProfileByPatient(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return c.JSON(http.StatusOK, []resolvedView{})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load profile")
	}

	out := make([]resolvedView, 0, len(prof.Medications))
	for _, rec := range prof.Active() {
		out = append(out, resolvedView{
			RecordID:   rec.ID,
			Medication: rec.Resolved(),
			Origin:     rec.ResolvedOrigin(),
			Unlisted:   rec.Unlisted(),
			HostLinked: rec.HostLinked(),
			References: len(rec.References),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) extracted(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	out, err := h.repo.ListExtractedByDocument(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list extracted medications")
	}
	if out == nil {
		out = []*ExtractedMedication{}
	}
	return c.JSON(http.StatusOK, out)
}
