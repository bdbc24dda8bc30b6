package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
	"github.com/kingrea/lattice-compliance/internal/storage"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type runResponse struct {
	RunID     string           `json:"run_id"`
	Status    domain.RunStatus `json:"status"`
	StatusURL string           `json:"status_url"`
	ReportURL string           `json:"report_url"`
	EventsURL string           `json:"events_url"`
}

type logResponse struct {
	RunID string   `json:"run_id"`
	Lines []string `json:"lines"`
	Total int      `json:"total"`
}

type unavailableResponse struct {
	Error         string           `json:"error"`
	Status        domain.RunStatus `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

const defaultLogLines = 100

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       Version,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

// handleCreateRun (POST /runs) starts a run in the background.
func (s *Server) handleCreateRun(c echo.Context) error {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.settings.MaxBodyBytes)
	var req domain.RunRequest
	if err := c.Bind(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload exceeds limit")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.orch.StartRun(req)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Printf("server: start run: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to start run")
	}
	status := domain.RunPending
	if run, err := s.orch.Status(id); err == nil {
		status = run.Status
	}
	c.Response().Header().Set(echo.HeaderLocation, "/runs/"+id)
	return c.JSON(http.StatusAccepted, runResponse{
		RunID:     id,
		Status:    status,
		StatusURL: "/runs/" + id,
		ReportURL: "/runs/" + id + "/report",
		EventsURL: "/runs/" + id + "/events",
	})
}

// handleListRuns (GET /runs?limit=N) lists in-memory runs, newest first.
func (s *Server) handleListRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.orch.Runs(limit))
}

// handleGetRun (GET /runs/:id) returns the run record.
func (s *Server) handleGetRun(c echo.Context) error {
	id := c.Param("id")
	run, err := s.orch.Status(id)
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.archive != nil {
		run, err = s.archive.Run(c.Request().Context(), id)
	}
	if err != nil {
		return s.lookupError(id, err)
	}
	return c.JSON(http.StatusOK, run)
}

// handleGetReport (GET /runs/:id/report) answers 409 until the run completes.
func (s *Server) handleGetReport(c echo.Context) error {
	id := c.Param("id")
	report, err := s.orch.Report(id)
	if err == nil {
		return c.JSON(http.StatusOK, report)
	}
	if errors.Is(err, orchestrator.ErrReportUnavailable) {
		run, statusErr := s.orch.Status(id)
		if statusErr != nil {
			return s.lookupError(id, statusErr)
		}
		return c.JSON(http.StatusConflict, unavailableResponse{
			Error:         "report not available",
			Status:        run.Status,
			FailureReason: run.FailureReason,
		})
	}
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.archive != nil {
		report, err = s.archive.Report(c.Request().Context(), id)
		if err == nil {
			return c.JSON(http.StatusOK, report)
		}
	}
	return s.lookupError(id, err)
}

// handleGetLog (GET /runs/:id/log?n=N) tails the run's logbook.
func (s *Server) handleGetLog(c echo.Context) error {
	id := c.Param("id")
	n, err := queryInt(c, "n", defaultLogLines)
	if err != nil {
		return err
	}
	lines, total, err := s.orch.Log(id, n)
	if err != nil {
		return s.lookupError(id, err)
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, logResponse{RunID: id, Lines: lines, Total: total})
}

func (s *Server) lookupError(id string, err error) error {
	if errors.Is(err, orchestrator.ErrRunNotFound) || errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run "+id+" not found")
	}
	s.logger.Printf("server: lookup %s: %v", id, err)
	return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
}

// handleError renders every error as {"error": message}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := "internal error"
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": message})
}

func queryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return value, nil
}
