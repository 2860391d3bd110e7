package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/internal/compliance/service"
	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/httputil"
	"github.com/hireflow/hireflow-backend/pkg/logger"
)

const (
	dateLayout        = "2006-01-02"
	defaultSessionTTL = 7 * 24 * time.Hour
)

// ComplianceHandler handles compliance deadline HTTP requests
type ComplianceHandler struct {
	engine *service.Engine
	logger *logger.Logger
}

// NewComplianceHandler creates a new compliance handler
func NewComplianceHandler(engine *service.Engine, log *logger.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		engine: engine,
		logger: log,
	}
}

// Routes mounts the compliance endpoints. Authentication is applied by the
// caller.
func (h *ComplianceHandler) Routes(r chi.Router) {
	r.Post("/records", h.StartWorkflow)
	r.Get("/records/{subjectId}", h.GetRecord)
	r.Post("/records/{subjectId}/stages/{stage}/complete", h.MarkStageComplete)
	r.Post("/records/{subjectId}/reviewer", h.AssignReviewer)
	r.Get("/deadlines", h.PendingDeadlines)
	r.Get("/report", h.ComplianceReport)
	r.Post("/sessions", h.OpenSession)
	r.Post("/sessions/{sessionId}/complete", h.CompleteSession)
}

// ============================================================================
// RECORDS
// ============================================================================

// StartWorkflowRequest is the body for POST /compliance/records
type StartWorkflowRequest struct {
	SubjectID  string `json:"subject_id" validate:"required,max=255"`
	StartDate  string `json:"start_date" validate:"required,datetime=2006-01-02"`
	ReviewerID string `json:"reviewer_id" validate:"omitempty,max=255"`
}

// StartWorkflow handles POST /compliance/records
func (h *ComplianceHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	startDate, _ := time.Parse(dateLayout, req.StartDate)
	record, err := h.engine.StartWorkflow(r.Context(), req.SubjectID, startDate, req.ReviewerID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, record)
}

// GetRecord handles GET /compliance/records/{subjectId}. The record is
// re-evaluated against today before it is returned.
func (h *ComplianceHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.engine.RecomputeUrgency(r.Context(), chi.URLParam(r, "subjectId"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, record)
}

// MarkStageComplete handles POST /compliance/records/{subjectId}/stages/{stage}/complete
func (h *ComplianceHandler) MarkStageComplete(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")
	stageNum, err := strconv.Atoi(chi.URLParam(r, "stage"))
	if err != nil || !domain.Stage(stageNum).Valid() {
		httputil.Error(w, errors.Validation(map[string]string{"stage": "must be 1 or 2"}))
		return
	}

	record, err := h.engine.MarkStageComplete(r.Context(), subjectID, domain.Stage(stageNum))
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			h.logger.Error().Err(err).Str("subject_id", subjectID).Msg("failed to complete stage")
		}
		httputil.Error(w, err)
		return
	}

	h.logger.Info().
		Str("subject_id", subjectID).
		Int("stage", stageNum).
		Str("completed_by", httputil.GetUserID(r.Context())).
		Msg("stage marked complete")

	httputil.JSON(w, http.StatusOK, record)
}

// AssignReviewerRequest is the body for POST /compliance/records/{subjectId}/reviewer
type AssignReviewerRequest struct {
	Candidates []string `json:"candidates" validate:"required,min=1,dive,required"`
}

// AssignReviewerResponse names the chosen reviewer and the workloads
// considered
type AssignReviewerResponse struct {
	SubjectID  string                    `json:"subject_id"`
	ReviewerID string                    `json:"reviewer_id"`
	Candidates []domain.ReviewerWorkload `json:"candidates"`
}

// AssignReviewer handles POST /compliance/records/{subjectId}/reviewer
func (h *ComplianceHandler) AssignReviewer(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")

	var req AssignReviewerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	workloads, err := h.engine.ReviewerWorkloads(r.Context(), req.Candidates)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	reviewerID, err := h.engine.AssignReviewer(r.Context(), subjectID, workloads)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, AssignReviewerResponse{
		SubjectID:  subjectID,
		ReviewerID: reviewerID,
		Candidates: workloads,
	})
}

// ============================================================================
// DEADLINES & REPORTING
// ============================================================================

// PendingDeadlines handles GET /compliance/deadlines?urgency=due_today,approaching
func (h *ComplianceHandler) PendingDeadlines(w http.ResponseWriter, r *http.Request) {
	var urgencies []domain.UrgencyLevel
	for _, raw := range r.URL.Query()["urgency"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				urgencies = append(urgencies, domain.UrgencyLevel(part))
			}
		}
	}

	records, err := h.engine.PendingDeadlines(r.Context(), urgencies...)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, records)
}

// ComplianceReport handles GET /compliance/report?start=YYYY-MM-DD&end=YYYY-MM-DD
func (h *ComplianceHandler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(dateLayout, r.URL.Query().Get("start"))
	if err != nil {
		httputil.Error(w, errors.Validation(map[string]string{"start": "must be a date in 2006-01-02 format"}))
		return
	}
	end, err := time.Parse(dateLayout, r.URL.Query().Get("end"))
	if err != nil {
		httputil.Error(w, errors.Validation(map[string]string{"end": "must be a date in 2006-01-02 format"}))
		return
	}

	report, err := h.engine.ComplianceReport(r.Context(), start, end)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, report)
}

// ============================================================================
// WORKFLOW SESSIONS
// ============================================================================

// OpenSessionRequest is the body for POST /compliance/sessions
type OpenSessionRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=255"`
	TTLHours  int    `json:"ttl_hours" validate:"omitempty,min=1,max=720"`
}

// OpenSession handles POST /compliance/sessions
func (h *ComplianceHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	ttl := defaultSessionTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	session, err := h.engine.OpenSession(r.Context(), req.SubjectID, ttl)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, session)
}

// CompleteSession handles POST /compliance/sessions/{sessionId}/complete
func (h *ComplianceHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := h.engine.CompleteSession(r.Context(), sessionID); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"id": sessionID, "status": "completed"})
}
