package document

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/recordflow/recordflow/internal/dispatch"
)

type Handler struct {
	svc     *Service
	repo    Repository
	factory dispatch.UnitOfWorkFactory
}

func NewHandler(svc *Service, repo Repository, factory dispatch.UnitOfWorkFactory) *Handler {
	return &Handler{svc: svc, repo: repo, factory: factory}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/documents", h.intake)
	g.GET("/documents/:id", h.get)
	g.GET("/patients/:id/documents", h.listByPatient)
}

type intakeRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	PageCount   int       `json:"page_count"`
	StorageKey  string    `json:"storage_key"`
}

func (h *Handler) intake(c echo.Context) error {
	var req intakeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	appID, _ := c.Get("auth_app").(string)
	tenantID, _ := c.Get("auth_tenant").(string)
	actor, _ := c.Get("auth_subject").(string)

	uow := h.factory()
	doc, err := h.svc.Intake(c.Request().Context(), uow, IntakeParams{
		AppID:       appID,
		TenantID:    tenantID,
		PatientID:   req.PatientID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		PageCount:   req.PageCount,
		StorageKey:  req.StorageKey,
		Actor:       actor,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrUnsupportedInput) {
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := uow.Commit(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store document")
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	doc, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load document")
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) listByPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	docs, err := h.repo.ListByPatient(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list documents")
	}
	if docs == nil {
		docs = []*Document{}
	}
	return c.JSON(http.StatusOK, docs)
}
