package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/orchestrator"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string        `json:"error"`
	Class failure.Class `json:"class,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SubmitRequest is the body of POST /api/v1/batches.
type SubmitRequest struct {
	Contracts []string `json:"contracts"`
	DryRun    bool     `json:"dry_run"`
}

// DecisionRequest is the body of POST /api/v1/approvals/:id/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func fail(c echo.Context, status int, err error) error {
	resp := ErrorResponse{Error: err.Error()}
	var classified failure.Classified
	if errors.As(err, &classified) {
		resp.Class = classified.FailureClass()
	}
	return c.JSON(status, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        string(s.Lifecycle()),
		UptimeSeconds: int64(s.uptime().Seconds()),
	})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	handle, err := s.orch.Submit(c.Request().Context(), req.Contracts, req.DryRun)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, handle)
	case errors.Is(err, orchestrator.ErrEmptyBatch):
		return fail(c, http.StatusBadRequest, err)
	case failure.RejectsSubmission(err):
		return fail(c, http.StatusUnprocessableEntity, err)
	default:
		s.logger.Error("submit failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleListBatches(c echo.Context) error {
	ids, err := s.orch.Batches()
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"batches": ids})
}

func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.orch.Status(orchestrator.BatchHandle{ID: c.Param("id")})
	if err != nil {
		return s.batchError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleCancel(c echo.Context) error {
	handle := orchestrator.BatchHandle{ID: c.Param("id")}
	if err := s.orch.Cancel(handle); err != nil {
		if errors.Is(err, orchestrator.ErrBatchFinished) {
			return fail(c, http.StatusConflict, err)
		}
		return s.batchError(c, err)
	}
	return c.JSON(http.StatusAccepted, handle)
}

func (s *Server) batchError(c echo.Context, err error) error {
	if errors.Is(err, orchestrator.ErrStateNotFound) {
		return fail(c, http.StatusNotFound, err)
	}
	s.logger.Error("batch lookup failed", zap.Error(err))
	return fail(c, http.StatusInternalServerError, err)
}

// handleEvidence returns the latest run's records as a JSON array, or as
// JSON lines with ?format=jsonl.
func (s *Server) handleEvidence(c echo.Context) error {
	records, err := s.orch.ExportEvidence(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			return fail(c, http.StatusNotFound, err)
		}
		return fail(c, http.StatusInternalServerError, err)
	}
	if strings.EqualFold(c.QueryParam("format"), "jsonl") {
		c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
		c.Response().WriteHeader(http.StatusOK)
		return evidence.WriteJSONL(c.Response(), records)
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handlePending(c echo.Context) error {
	pending, err := s.approvals.Pending(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	if pending == nil {
		pending = []approval.Request{}
	}
	return c.JSON(http.StatusOK, pending)
}

// handleDecision records an authority's decision. The authority id comes
// from the bearer token, never from the body.
func (s *Server) handleDecision(c echo.Context) error {
	if s.verifier == nil {
		return fail(c, http.StatusServiceUnavailable, errors.New("approval tokens are not configured"))
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return fail(c, http.StatusUnauthorized, errors.New("bearer token required"))
	}
	authorityID, err := s.verifier.Verify(token)
	if err != nil {
		return fail(c, http.StatusUnauthorized, err)
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	decision, err := approval.ParseDecision(req.Decision)
	if err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	resolved, err := s.approvals.Decide(c.Request().Context(), c.Param("id"), authorityID, decision, req.Reason)
	var unauthorized *approval.UnauthorizedDeciderError
	switch {
	case err == nil:
		s.logger.Info("approval decided",
			zap.String("request", resolved.ID),
			zap.String("authority", authorityID),
			zap.String("decision", string(resolved.Decision)))
		return c.JSON(http.StatusOK, resolved)
	case errors.Is(err, approval.ErrNotFound):
		return fail(c, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrAlreadyResolved):
		return fail(c, http.StatusConflict, err)
	case errors.Is(err, approval.ErrInvalidDecision):
		return fail(c, http.StatusBadRequest, err)
	case errors.As(err, &unauthorized):
		return fail(c, http.StatusForbidden, err)
	default:
		return fail(c, http.StatusInternalServerError, err)
	}
}
