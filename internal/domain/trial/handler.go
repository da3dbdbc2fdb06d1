package trial

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/internal/platform/caldate"
	"github.com/ctms/ctms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/studies", h.CreateStudy)
	api.GET("/studies", h.ListStudies)
	api.GET("/studies/:id", h.GetStudy)
	api.PATCH("/studies/:id/settings", h.UpdateStudySettings)
	api.POST("/studies/:id/subjects", h.EnrollSubject)
	api.GET("/studies/:id/subjects", h.ListSubjects)
	api.POST("/studies/:id/visit-templates", h.CreateVisitTemplate)
	api.GET("/studies/:id/visit-templates", h.ListVisitTemplates)

	api.GET("/subjects/:id", h.GetSubject)
	api.PATCH("/subjects/:id/anchor-date", h.SetAnchorDate)
	api.POST("/subjects/:id/visits", h.ScheduleVisit)
	api.GET("/subjects/:id/visits", h.ListVisits)
	api.POST("/subjects/:id/dispenses", h.DispenseContainer)
	api.POST("/subjects/:id/returns", h.ReturnContainer)
	api.GET("/subjects/:id/cycles", h.ListCycles)
	api.GET("/subjects/:id/open-cycle", h.GetOpenCycle)
	api.GET("/subjects/:id/deviations", h.ListDeviations)

	api.GET("/visits/:id", h.GetVisit)
	api.PATCH("/visits/:id", h.UpdateVisit)
	api.POST("/visits/:id/complete", h.CompleteVisit)

	api.GET("/cycles/:id", h.GetCycle)
	api.PUT("/cycles/:id", h.CorrectCycle)

	api.GET("/compliance/trends", h.Trends)
	api.GET("/compliance/studies", h.StudyBreakdown)
	api.GET("/compliance/alerts", h.Alerts)
}

// toHTTPError maps service and storage errors onto status codes. Unexpected
// errors are hidden behind a generic 500 and kept as the internal error.
func toHTTPError(err error, notFound string) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, ErrInvalidInput), compliance.IsInputError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case compliance.IsConflict(err), errors.Is(err, ErrOpenCycleExists), errors.Is(err, ErrNoOpenCycle):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "23505":
			return echo.NewHTTPError(http.StatusConflict, "resource already exists").SetInternal(err)
		case "23503", "23514":
			return echo.NewHTTPError(http.StatusBadRequest, pgErr.Message).SetInternal(err)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// optionalStudyID reads ?study_id=. An empty value means every study.
func optionalStudyID(c echo.Context) (*uuid.UUID, error) {
	raw := c.QueryParam("study_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid study_id")
	}
	return &id, nil
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

// -- Study Handlers --

type createStudyRequest struct {
	ProtocolNumber             string   `json:"protocol_number"`
	Title                      string   `json:"title"`
	Status                     string   `json:"status"`
	ComplianceThresholdPercent *float64 `json:"compliance_threshold_percent"`
	DosingFrequency            string   `json:"dosing_frequency"`
	CustomDosesPerDay          *float64 `json:"custom_doses_per_day"`
}

func (h *Handler) CreateStudy(c echo.Context) error {
	var req createStudyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s := Study{
		ProtocolNumber:             req.ProtocolNumber,
		Title:                      req.Title,
		Status:                     req.Status,
		ComplianceThresholdPercent: DefaultThresholdPercent,
		DosingFrequency:            req.DosingFrequency,
		CustomDosesPerDay:          req.CustomDosesPerDay,
	}
	if req.ComplianceThresholdPercent != nil {
		s.ComplianceThresholdPercent = *req.ComplianceThresholdPercent
	}
	if err := h.svc.CreateStudy(c.Request().Context(), &s); err != nil {
		return toHTTPError(err, "study not found")
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, "study not found")
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStudies(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListStudies(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStudySettings(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in StudySettings
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.svc.UpdateStudySettings(c.Request().Context(), id, in)
	if err != nil {
		return toHTTPError(err, "study not found")
	}
	return c.JSON(http.StatusOK, s)
}

// -- Subject Handlers --

func (h *Handler) EnrollSubject(c echo.Context) error {
	studyID, err := parseID(c)
	if err != nil {
		return err
	}
	var sub Subject
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub.StudyID = studyID
	if err := h.svc.EnrollSubject(c.Request().Context(), &sub); err != nil {
		return toHTTPError(err, "study not found")
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) ListSubjects(c echo.Context) error {
	studyID, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSubjectsByStudy(c.Request().Context(), studyID, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSubject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.svc.GetSubject(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, "subject not found")
	}
	return c.JSON(http.StatusOK, sub)
}

type anchorDateRequest struct {
	AnchorDate *caldate.Date `json:"anchor_date"`
}

func (h *Handler) SetAnchorDate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req anchorDateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.svc.SetAnchorDate(c.Request().Context(), id, req.AnchorDate)
	if err != nil {
		return toHTTPError(err, "subject not found")
	}
	return c.JSON(http.StatusOK, sub)
}

// -- Visit Template Handlers --

func (h *Handler) CreateVisitTemplate(c echo.Context) error {
	studyID, err := parseID(c)
	if err != nil {
		return err
	}
	var t VisitTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.StudyID = studyID
	if err := h.svc.CreateVisitTemplate(c.Request().Context(), &t); err != nil {
		return toHTTPError(err, "study not found")
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListVisitTemplates(c echo.Context) error {
	studyID, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListVisitTemplates(c.Request().Context(), studyID)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, items)
}

// -- Visit Handlers --

func (h *Handler) ScheduleVisit(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	var v ScheduledVisit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.SubjectID = subjectID
	if err := h.svc.ScheduleVisit(c.Request().Context(), &v); err != nil {
		return toHTTPError(err, "subject not found")
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListVisitsBySubject(c.Request().Context(), subjectID, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, "visit not found")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var upd VisitUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.UpdateVisit(c.Request().Context(), id, upd)
	if err != nil {
		return toHTTPError(err, "visit not found")
	}
	return c.JSON(http.StatusOK, v)
}

type completeVisitRequest struct {
	VisitDate *caldate.Date `json:"visit_date"`
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req completeVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CompleteVisit(c.Request().Context(), id, req.VisitDate)
	if err != nil {
		return toHTTPError(err, "visit not found")
	}
	return c.JSON(http.StatusOK, v)
}

// -- Accountability Cycle Handlers --

func (h *Handler) DispenseContainer(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	var req DispenseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cycle, err := h.svc.DispenseContainer(c.Request().Context(), subjectID, req)
	if err != nil {
		return toHTTPError(err, "subject not found")
	}
	return c.JSON(http.StatusCreated, cycle)
}

func (h *Handler) ReturnContainer(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	var req ReturnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cycle, err := h.svc.ReturnContainer(c.Request().Context(), subjectID, req)
	if err != nil {
		return toHTTPError(err, "subject not found")
	}
	return c.JSON(http.StatusOK, cycle)
}

func (h *Handler) ListCycles(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListCyclesBySubject(c.Request().Context(), subjectID)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetOpenCycle(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	cycle, err := h.svc.OpenCycle(c.Request().Context(), subjectID)
	if err != nil {
		return toHTTPError(err, "subject not found")
	}
	if cycle == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no open container")
	}
	return c.JSON(http.StatusOK, cycle)
}

func (h *Handler) GetCycle(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cycle, err := h.svc.GetCycle(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err, "accountability cycle not found")
	}
	return c.JSON(http.StatusOK, cycle)
}

func (h *Handler) CorrectCycle(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var corr CycleCorrection
	if err := c.Bind(&corr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cycle, err := h.svc.CorrectCycle(c.Request().Context(), id, corr)
	if err != nil {
		return toHTTPError(err, "accountability cycle not found")
	}
	return c.JSON(http.StatusOK, cycle)
}

// -- Deviation Handlers --

func (h *Handler) ListDeviations(c echo.Context) error {
	subjectID, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListDeviationsBySubject(c.Request().Context(), subjectID)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, items)
}

// -- Compliance Report Handlers --

func (h *Handler) Trends(c echo.Context) error {
	studyID, err := optionalStudyID(c)
	if err != nil {
		return err
	}
	months, err := intQuery(c, "months")
	if err != nil {
		return err
	}
	series, err := h.svc.Trends(c.Request().Context(), studyID, months)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, series)
}

func (h *Handler) StudyBreakdown(c echo.Context) error {
	rows, err := h.svc.StudyBreakdown(c.Request().Context())
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) Alerts(c echo.Context) error {
	studyID, err := optionalStudyID(c)
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	alerts, err := h.svc.Alerts(c.Request().Context(), studyID, limit)
	if err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, alerts)
}
