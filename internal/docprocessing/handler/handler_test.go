package handler_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/handler"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/processor"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/service"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/validation"
	"github.com/hireflow/hireflow-backend/internal/ratelimit"
	"github.com/hireflow/hireflow-backend/pkg/httputil"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/testutil"
)

type capturingProvider struct {
	seen []byte
	out  *processor.Output
}

func (p *capturingProvider) Name() string { return "vision_primary" }

func (p *capturingProvider) Extract(_ context.Context, imageData []byte, _ domain.DocumentCategory) (*processor.Output, error) {
	p.seen = imageData
	return p.out, nil
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code       string            `json:"code"`
		Details    map[string]string `json:"details"`
		RetryAfter int               `json:"retry_after_seconds"`
	} `json:"error"`
}

type memoryAudit struct {
	entries []domain.ProcessingAuditEntry
}

func (m *memoryAudit) Create(_ context.Context, entry *domain.ProcessingAuditEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryAudit) ListBySubject(_ context.Context, subjectID string, limit int) ([]domain.ProcessingAuditEntry, error) {
	var out []domain.ProcessingAuditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].SubjectID == subjectID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func newRouter(t *testing.T) (http.Handler, *capturingProvider, *service.Service) {
	t.Helper()

	provider := &capturingProvider{out: &processor.Output{
		Fields:     map[string]string{"routing_number": "121000248", "account_number": "000123456789"},
		Confidence: map[string]float64{"routing_number": 0.95, "account_number": 0.9},
	}}

	clock := clockwork.NewFakeClock()
	chain := processor.NewChain(nil, []processor.Provider{provider}, time.Second, logger.Nop())
	svc := service.NewService(chain,
		ratelimit.New("ip", ratelimit.Policy{Limit: 10, Window: time.Minute}, clock),
		ratelimit.New("subject", ratelimit.Policy{Limit: 50, Window: time.Hour}, clock),
		validation.NewFieldValidator(), nil, logger.Nop())

	h := handler.NewHandler(svc, 0, logger.Nop())
	r := chi.NewRouter()
	r.Route("/api/v1/documents", h.Routes)
	return r, provider, svc
}

func extractRequest(t *testing.T, fields map[string]string) *http.Request {
	req := testutil.NewMultipartRequest(t, http.MethodPost, "/api/v1/documents/extract", fields,
		testutil.MultipartFile{Field: "file", FileName: "check.png", Content: []byte("\x89PNG fake check image")})
	return testutil.WithRemoteAddr(req, "1.2.3.4:5555")
}

func TestExtract_ReturnsResultAndValidation(t *testing.T) {
	router, provider, _ := newRouter(t)

	rr := testutil.ExecuteRequest(router, extractRequest(t, map[string]string{
		"document_category": "financial_instrument",
		"subject_id":        "subject-1",
		"manual_entry":      `{"routingNumber":"121000248"}`,
	}))
	testutil.AssertStatus(t, rr, http.StatusOK)

	var body envelope[handler.ExtractResponse]
	testutil.ParseJSONBody(t, rr, &body)
	require.True(t, body.Success)
	assert.True(t, body.Data.Result.Success)
	assert.Equal(t, "vision_primary", body.Data.Result.ProviderUsed)
	require.NotNil(t, body.Data.Validation)
	assert.Equal(t, []string{domain.FieldRoutingNumber}, body.Data.Validation.Matches)
	assert.Empty(t, body.Data.Validation.Mismatches)

	require.NotEmpty(t, provider.seen)
	assert.Equal(t, make([]byte, len(provider.seen)), provider.seen, "uploaded document must be zeroed after the request")
}

func TestExtract_RateLimitedReturns429(t *testing.T) {
	router, _, _ := newRouter(t)
	fields := map[string]string{"document_category": "financial_instrument", "subject_id": "subject-1"}

	for i := 0; i < 10; i++ {
		rr := testutil.ExecuteRequest(router, extractRequest(t, fields))
		testutil.AssertStatus(t, rr, http.StatusOK)
	}

	rr := testutil.ExecuteRequest(router, extractRequest(t, fields))
	testutil.AssertStatus(t, rr, http.StatusTooManyRequests)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	var body envelope[any]
	testutil.ParseJSONBody(t, rr, &body)
	require.NotNil(t, body.Error)
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.Equal(t, "ip", body.Error.Details["scope"])
	assert.Equal(t, 60, body.Error.RetryAfter)
}

func TestExtract_IPLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	router, _, _ := newRouter(t)
	trusted, err := httputil.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	front := httputil.RealIP(trusted)(router)
	fields := map[string]string{"document_category": "financial_instrument", "subject_id": "subject-1"}

	denied := 0
	for i := 0; i < 30; i++ {
		req := extractRequest(t, fields)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rr := testutil.ExecuteRequest(front, req)
		if rr.Code == http.StatusTooManyRequests {
			denied++
		}
	}
	assert.Equal(t, 20, denied)
}

func TestExtract_IPLimitKeysOnClientBehindTrustedProxy(t *testing.T) {
	router, _, _ := newRouter(t)
	trusted, err := httputil.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	front := httputil.RealIP(trusted)(router)
	fields := map[string]string{"document_category": "financial_instrument", "subject_id": "subject-1"}

	for i := 0; i < 10; i++ {
		req := testutil.WithRemoteAddr(extractRequest(t, fields), "10.0.0.2:443")
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		testutil.AssertStatus(t, testutil.ExecuteRequest(front, req), http.StatusOK)
	}

	req := testutil.WithRemoteAddr(extractRequest(t, fields), "10.0.0.2:443")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	testutil.AssertStatus(t, testutil.ExecuteRequest(front, req), http.StatusTooManyRequests)

	// A different client behind the same proxy has its own budget
	req = testutil.WithRemoteAddr(extractRequest(t, fields), "10.0.0.2:443")
	req.Header.Set("X-Forwarded-For", "203.0.113.8")
	testutil.AssertStatus(t, testutil.ExecuteRequest(front, req), http.StatusOK)
}

func TestExtract_RejectsInvalidForm(t *testing.T) {
	router, _, _ := newRouter(t)

	tests := []struct {
		name   string
		fields map[string]string
		field  string
	}{
		{"unknown category", map[string]string{"document_category": "utility_bill", "subject_id": "s"}, "document_category"},
		{"missing subject", map[string]string{"document_category": "government_id"}, "subject_id"},
		{"bad manual entry", map[string]string{"document_category": "government_id", "subject_id": "s", "manual_entry": "[1,2]"}, "manual_entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.ExecuteRequest(router, extractRequest(t, tt.fields))
			testutil.AssertStatus(t, rr, http.StatusBadRequest)

			var body envelope[any]
			testutil.ParseJSONBody(t, rr, &body)
			require.NotNil(t, body.Error)
			assert.Contains(t, body.Error.Details, tt.field)
		})
	}
}

func TestExtract_MissingFile(t *testing.T) {
	router, _, _ := newRouter(t)

	req := testutil.NewMultipartRequest(t, http.MethodPost, "/api/v1/documents/extract", map[string]string{
		"document_category": "financial_instrument",
		"subject_id":        "subject-1",
	})
	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
}

func TestRateLimitStatus(t *testing.T) {
	router, _, _ := newRouter(t)

	rr := testutil.ExecuteRequest(router, extractRequest(t, map[string]string{
		"document_category": "financial_instrument",
		"subject_id":        "subject-1",
	}))
	testutil.AssertStatus(t, rr, http.StatusOK)

	req := testutil.WithRemoteAddr(
		testutil.NewHTTPRequest(http.MethodGet, "/api/v1/documents/rate-limit-status?subject_id=subject-1", nil),
		"1.2.3.4:6000")
	rr = testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var body envelope[domain.RateLimitStatus]
	testutil.ParseJSONBody(t, rr, &body)
	assert.Equal(t, domain.RateLimitStatus{IPUsed: 1, IPLimit: 10, SubjectUsed: 1, SubjectLimit: 50}, body.Data)

	rr = testutil.ExecuteRequest(router, testutil.NewHTTPRequest(http.MethodGet, "/api/v1/documents/rate-limit-status", nil))
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
}

func TestValidate(t *testing.T) {
	router, _, _ := newRouter(t)

	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/documents/validate", map[string]any{
		"result": map[string]any{
			"success":              true,
			"document_category":    "financial_instrument",
			"fields":               map[string]string{"routingNumber": "121000249"},
			"per_field_confidence": map[string]float64{"routingNumber": 0.9},
		},
		"manual_entry": map[string]string{"routingNumber": "121000249"},
	})
	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var body envelope[domain.ValidationReport]
	testutil.ParseJSONBody(t, rr, &body)
	assert.Equal(t, []string{domain.FieldRoutingNumber}, body.Data.Mismatches)
	assert.Equal(t, 0.0, body.Data.OverallConfidence)
}

func TestValidate_RequiresResult(t *testing.T) {
	router, _, _ := newRouter(t)

	rr := testutil.ExecuteRequest(router, testutil.NewHTTPRequest(http.MethodPost, "/api/v1/documents/validate",
		map[string]any{"manual_entry": map[string]string{}}))
	testutil.AssertStatus(t, rr, http.StatusBadRequest)

	req, err := http.NewRequest(http.MethodPost, "/api/v1/documents/validate", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	rr = testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
}

func TestValidateRoutingNumber(t *testing.T) {
	router, _, _ := newRouter(t)

	tests := []struct {
		input string
		valid bool
	}{
		{"121000248", true},
		{"121000249", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rr := testutil.ExecuteRequest(router, testutil.NewHTTPRequest(http.MethodPost,
				"/api/v1/documents/validate/routing-number", map[string]string{"routing_number": tt.input}))
			testutil.AssertStatus(t, rr, http.StatusOK)

			var body envelope[validation.ValidationResult]
			testutil.ParseJSONBody(t, rr, &body)
			assert.Equal(t, tt.valid, body.Data.Valid)
		})
	}
}

func TestAuditTrail(t *testing.T) {
	audit := &memoryAudit{}
	for _, provider := range []string{"document_ai", "vision_primary"} {
		require.NoError(t, audit.Create(context.Background(), &domain.ProcessingAuditEntry{
			SubjectID:        "subject-1",
			DocumentCategory: domain.CategoryGovernmentID,
			ProviderUsed:     provider,
			FieldsExtracted:  []string{domain.FieldDocumentNumber},
		}))
	}

	chain := processor.NewChain(nil, nil, time.Second, logger.Nop())
	clock := clockwork.NewFakeClock()
	svc := service.NewService(chain,
		ratelimit.New("ip", ratelimit.Policy{Limit: 10, Window: time.Minute}, clock),
		ratelimit.New("subject", ratelimit.Policy{Limit: 50, Window: time.Hour}, clock),
		validation.NewFieldValidator(), audit, logger.Nop())
	r := chi.NewRouter()
	r.Route("/api/v1/compliance", handler.NewHandler(svc, 0, logger.Nop()).AuditRoutes)

	rr := testutil.ExecuteRequest(r, testutil.NewHTTPRequest(http.MethodGet, "/api/v1/compliance/subjects/subject-1/audit?limit=1", nil))
	testutil.AssertStatus(t, rr, http.StatusOK)

	var body envelope[[]domain.ProcessingAuditEntry]
	testutil.ParseJSONBody(t, rr, &body)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "vision_primary", body.Data[0].ProviderUsed)
	assert.Equal(t, []string{domain.FieldDocumentNumber}, body.Data[0].FieldsExtracted)

	rr = testutil.ExecuteRequest(r, testutil.NewHTTPRequest(http.MethodGet, "/api/v1/compliance/subjects/subject-1/audit?limit=zero", nil))
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
}
