package scheduling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medbook/scheduler/internal/platform/auth"
)

type Handler struct {
	engine *Engine
	query  *QueryService
}

func NewHandler(engine *Engine, query *QueryService) *Handler {
	return &Handler{engine: engine, query: query}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(RoleScheduler, RolePatient, RoleDoctor))
	g.POST("/appointments", h.CreateAppointment)
	g.GET("/appointments", h.ListAppointments)
	g.PUT("/appointments/:id", h.RescheduleAppointment)
	g.DELETE("/appointments/:id", h.CancelAppointment)
	g.GET("/appointments/:id/events", h.ListEvents)
	g.GET("/doctors/:id/availability", h.GetAvailability)
}

// createRequest also accepts snake_case ids; camelCase wins when both are set.
type createRequest struct {
	PatientID      string `json:"patientId"`
	DoctorID       string `json:"doctorId"`
	PatientIDSnake string `json:"patient_id"`
	DoctorIDSnake  string `json:"doctor_id"`
	Time           string `json:"time"`
}

func (r createRequest) patientID() string { return firstNonBlank(r.PatientID, r.PatientIDSnake) }
func (r createRequest) doctorID() string { return firstNonBlank(r.DoctorID, r.DoctorIDSnake) }

type rescheduleRequest struct {
	Time string `json:"time"`
}

type availabilityResponse struct {
	DoctorID string    `json:"doctorId"`
	From     WallClock `json:"from"`
	To       WallClock `json:"to"`
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{Subject: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.engine.CreateAppointment(c.Request().Context(), actorFrom(c), req.patientID(), req.doctorID(), req.Time)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": a.ID.String()})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	f := ListFilter{
		PatientID:  firstParam(c, "patientId", "patient_id"),
		DoctorID:   firstParam(c, "doctorId", "doctor_id"),
		SortByTime: c.QueryParam("sort") == "time",
	}
	res, err := h.query.List(c.Request().Context(), actorFrom(c), f)
	if err != nil {
		return httpError(err)
	}
	if res.ByDoctor != nil {
		return c.JSON(http.StatusOK, res.ByDoctor)
	}
	return c.JSON(http.StatusOK, res.ByPatient)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.engine.RescheduleAppointment(c.Request().Context(), actorFrom(c), c.Param("id"), req.Time)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	a, err := h.engine.CancelAppointment(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": a.ID.String(), "status": ActionCancelled})
}

func (h *Handler) ListEvents(c echo.Context) error {
	events, err := h.query.Events(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) GetAvailability(c echo.Context) error {
	d, err := h.query.Availability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, availabilityResponse{
		DoctorID: d.ID.String(),
		From:     d.Availability.From,
		To:       d.Availability.To,
	})
}

func firstParam(c echo.Context, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(c.QueryParam(n)); v != "" {
			return v
		}
	}
	return ""
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// httpError maps engine errors onto status codes. Store faults never expose
// their cause to the client.
func httpError(err error) error {
	var avail *AvailabilityError
	switch {
	case errors.As(err, &avail):
		return echo.NewHTTPError(http.StatusBadRequest, avail.Error())
	case errors.Is(err, ErrMissingField),
		errors.Is(err, ErrInvalidTimeFormat),
		errors.Is(err, ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDoctorNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrAppointmentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
