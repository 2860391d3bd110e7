package handler_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/internal/compliance/handler"
	"github.com/hireflow/hireflow-backend/internal/compliance/repository"
	"github.com/hireflow/hireflow-backend/internal/compliance/service"
	"github.com/hireflow/hireflow-backend/pkg/config"
	"github.com/hireflow/hireflow-backend/pkg/httputil"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/testutil"
)

var jwtConfig = config.JWTConfig{Secret: "test-secret", Issuer: "hireflow"}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type fixture struct {
	router http.Handler
	clock  *clockwork.FakeClock
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC))
	engine := service.NewEngine(repository.NewMemoryStore(), testutil.NewMockPublisher(), clock, time.UTC, logger.Nop())
	h := handler.NewComplianceHandler(engine, logger.Nop())

	r := chi.NewRouter()
	r.Route("/api/v1/compliance", func(r chi.Router) {
		r.Use(httputil.Authenticate(jwtConfig, logger.Nop()))
		h.Routes(r)
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, httputil.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reviewer-a",
			Issuer:    jwtConfig.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "reviewer",
	})
	signed, err := token.SignedString([]byte(jwtConfig.Secret))
	require.NoError(t, err)

	return &fixture{router: r, clock: clock, token: signed}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	req := testutil.NewHTTPRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rr := testutil.ExecuteRequest(f.router, req)
	return rr.Code, rr.Body.Bytes()
}

func decode[T any](t *testing.T, f *fixture, method, path string, body interface{}, wantStatus int) envelope[T] {
	t.Helper()
	req := testutil.NewHTTPRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rr := testutil.ExecuteRequest(f.router, req)
	testutil.AssertStatus(t, rr, wantStatus)

	var env envelope[T]
	testutil.ParseJSONBody(t, rr, &env)
	return env
}

func (f *fixture) startWorkflow(t *testing.T, subjectID, startDate, reviewerID string) {
	t.Helper()
	decode[domain.ComplianceRecord](t, f, http.MethodPost, "/api/v1/compliance/records", handler.StartWorkflowRequest{
		SubjectID:  subjectID,
		StartDate:  startDate,
		ReviewerID: reviewerID,
	}, http.StatusCreated)
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	req := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/compliance/deadlines", nil)
	rr := testutil.ExecuteRequest(f.router, req)
	testutil.AssertStatus(t, rr, http.StatusUnauthorized)
}

func TestStartWorkflow(t *testing.T) {
	f := newFixture(t)

	env := decode[domain.ComplianceRecord](t, f, http.MethodPost, "/api/v1/compliance/records", handler.StartWorkflowRequest{
		SubjectID: "subject-1",
		StartDate: "2025-01-06",
	}, http.StatusCreated)
	assert.True(t, env.Success)
	assert.Equal(t, testutil.Date(2025, 1, 9), env.Data.StageTwoDeadline)
	assert.Equal(t, domain.StatusPending, env.Data.StageOneStatus)

	dup := decode[any](t, f, http.MethodPost, "/api/v1/compliance/records", handler.StartWorkflowRequest{
		SubjectID: "subject-1",
		StartDate: "2025-01-06",
	}, http.StatusConflict)
	assert.Equal(t, "CONFLICT", dup.Error.Code)

	bad := decode[any](t, f, http.MethodPost, "/api/v1/compliance/records", handler.StartWorkflowRequest{
		SubjectID: "subject-2",
		StartDate: "06.01.2025",
	}, http.StatusBadRequest)
	assert.Equal(t, "VALIDATION_ERROR", bad.Error.Code)
	assert.Contains(t, bad.Error.Details, "StartDate")
}

func TestMarkStageComplete(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "subject-1", "2025-01-06", "")

	f.clock.Advance(7*24*time.Hour + time.Hour) // 2025-01-09 10:00

	env := decode[domain.ComplianceRecord](t, f, http.MethodPost,
		"/api/v1/compliance/records/subject-1/stages/1/complete", nil, http.StatusOK)
	assert.Equal(t, domain.StatusCompleted, env.Data.StageOneStatus)
	assert.Equal(t, domain.StatusPending, env.Data.StageTwoStatus)
	assert.Equal(t, domain.UrgencyDueToday, env.Data.UrgencyLevel)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"unknown subject", "/api/v1/compliance/records/ghost/stages/1/complete", http.StatusNotFound, "NOT_FOUND"},
		{"stage out of range", "/api/v1/compliance/records/subject-1/stages/3/complete", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"stage not a number", "/api/v1/compliance/records/subject-1/stages/two/complete", http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := decode[any](t, f, http.MethodPost, tt.path, nil, tt.status)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestGetRecord_RecomputesUrgency(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "subject-1", "2025-01-06", "")

	f.clock.Advance(8 * 24 * time.Hour) // 2025-01-10

	env := decode[domain.ComplianceRecord](t, f, http.MethodGet, "/api/v1/compliance/records/subject-1", nil, http.StatusOK)
	assert.Equal(t, domain.UrgencyOverdue, env.Data.UrgencyLevel)
	assert.Equal(t, domain.StatusOverdue, env.Data.StageTwoStatus)
}

func TestAssignReviewer(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "existing", "2025-01-06", "reviewer-a")
	f.startWorkflow(t, "subject-1", "2025-01-06", "")

	env := decode[handler.AssignReviewerResponse](t, f, http.MethodPost,
		"/api/v1/compliance/records/subject-1/reviewer",
		handler.AssignReviewerRequest{Candidates: []string{"reviewer-a", "reviewer-b"}}, http.StatusOK)
	assert.Equal(t, "reviewer-b", env.Data.ReviewerID)
	assert.Len(t, env.Data.Candidates, 2)

	bad := decode[any](t, f, http.MethodPost, "/api/v1/compliance/records/subject-1/reviewer",
		handler.AssignReviewerRequest{}, http.StatusBadRequest)
	assert.Equal(t, "VALIDATION_ERROR", bad.Error.Code)
}

func TestPendingDeadlines(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "soon", "2024-12-31", "")
	f.startWorkflow(t, "later", "2025-02-03", "")

	all := decode[[]domain.ComplianceRecord](t, f, http.MethodGet, "/api/v1/compliance/deadlines", nil, http.StatusOK)
	require.Len(t, all.Data, 2)
	assert.Equal(t, "soon", all.Data[0].SubjectID)

	filtered := decode[[]domain.ComplianceRecord](t, f, http.MethodGet,
		"/api/v1/compliance/deadlines?urgency=overdue,approaching", nil, http.StatusOK)
	require.Len(t, filtered.Data, 1)
	assert.Equal(t, "soon", filtered.Data[0].SubjectID)

	bad := decode[any](t, f, http.MethodGet, "/api/v1/compliance/deadlines?urgency=urgent", nil, http.StatusBadRequest)
	assert.Equal(t, "VALIDATION_ERROR", bad.Error.Code)
}

func TestComplianceReport(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "subject-1", "2025-01-02", "")

	code, _ := f.do(t, http.MethodPost, "/api/v1/compliance/records/subject-1/stages/1/complete", nil)
	require.Equal(t, http.StatusOK, code)

	env := decode[domain.Report](t, f, http.MethodGet,
		"/api/v1/compliance/report?start=2025-01-01&end=2025-01-31", nil, http.StatusOK)
	assert.Equal(t, 1, env.Data.Total)
	assert.Equal(t, 1, env.Data.StageOne.OnTime)
	assert.InDelta(t, 1.0, env.Data.ComplianceRate, 1e-9)

	tests := []struct {
		name  string
		query string
	}{
		{"missing start", "?end=2025-01-31"},
		{"bad end", "?start=2025-01-01&end=31-01-2025"},
		{"end before start", "?start=2025-02-01&end=2025-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := f.do(t, http.MethodGet, "/api/v1/compliance/report"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t)

	env := decode[domain.WorkflowSession](t, f, http.MethodPost, "/api/v1/compliance/sessions",
		handler.OpenSessionRequest{SubjectID: "temp-123", TTLHours: 24}, http.StatusCreated)
	assert.Equal(t, "temp-123", env.Data.SubjectID)
	assert.Equal(t, 24*time.Hour, env.Data.ExpiresAt.Sub(env.Data.CreatedAt))

	code, _ := f.do(t, http.MethodPost, "/api/v1/compliance/sessions/"+env.Data.ID+"/complete", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/compliance/sessions/5b0c9a56-8a6e-4b55-9d3e-1f0f9b8f6d11/complete", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/compliance/sessions",
		handler.OpenSessionRequest{SubjectID: "temp-1", TTLHours: 10000})
	assert.Equal(t, http.StatusBadRequest, code)
}
