package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/service"
	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/httputil"
	"github.com/hireflow/hireflow-backend/pkg/logger"
)

const defaultMaxUploadSize = 20 << 20 // 20MB

// Handler handles HTTP requests for document extraction and validation
type Handler struct {
	service       *service.Service
	maxUploadSize int64
	log           *logger.Logger
}

// NewHandler creates a new document extraction handler. A non-positive
// maxUploadSize selects the default.
func NewHandler(svc *service.Service, maxUploadSize int64, log *logger.Logger) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadSize
	}
	return &Handler{
		service:       svc,
		maxUploadSize: maxUploadSize,
		log:           log,
	}
}

// Routes mounts the document endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Post("/extract", h.Extract)
	r.Get("/rate-limit-status", h.RateLimitStatus)
	r.Post("/validate", h.Validate)
	r.Post("/validate/routing-number", h.ValidateRoutingNumber)
}

// AuditRoutes mounts the audit trail. It exposes subject history, so the
// caller mounts it behind authentication.
func (h *Handler) AuditRoutes(r chi.Router) {
	r.Get("/subjects/{subjectId}/audit", h.AuditTrail)
}

// AuditTrail handles GET /subjects/{subjectId}/audit?limit=N
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.Error(w, errors.Validation(map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = n
	}

	subjectID := chi.URLParam(r, "subjectId")
	entries, err := h.service.AuditTrail(r.Context(), subjectID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("subject_id", subjectID).Msg("failed to load audit trail")
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, entries)
}

// ExtractResponse is returned by POST /documents/extract
type ExtractResponse struct {
	Result     *domain.ExtractionResult `json:"result"`
	Validation *domain.ValidationReport `json:"validation,omitempty"`
}

// Extract handles POST /documents/extract
// Accepts multipart form with:
// - file: the document image
// - document_category: government_id or financial_instrument
// - subject_id: permanent or temporary subject identifier
// - manual_entry: optional JSON object of canonical field → value
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		httputil.Error(w, errors.BadRequest("file too large or invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	category := domain.DocumentCategory(r.FormValue("document_category"))
	if !category.Valid() {
		httputil.Error(w, errors.Validation(map[string]string{
			"document_category": "must be one of: government_id, financial_instrument",
		}))
		return
	}

	subjectID := r.FormValue("subject_id")
	if subjectID == "" {
		httputil.Error(w, errors.Validation(map[string]string{
			"subject_id": "this field is required",
		}))
		return
	}

	var manualEntry map[string]string
	if raw := r.FormValue("manual_entry"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &manualEntry); err != nil {
			httputil.Error(w, errors.Validation(map[string]string{
				"manual_entry": "must be a JSON object of field names to values",
			}))
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.Error(w, errors.BadRequest("missing file in request"))
		return
	}
	defer file.Close()

	// Read file into memory (never to disk)
	imageData, err := io.ReadAll(file)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read uploaded file")
		httputil.Error(w, errors.Internal("failed to read uploaded file"))
		return
	}
	defer zeroBytes(imageData)

	result, err := h.service.Extract(r.Context(), &domain.ExtractionRequest{
		SubjectID:        subjectID,
		CallerIP:         httputil.ClientIP(r),
		DocumentCategory: category,
		ImageData:        imageData,
		FileName:         header.Filename,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	resp := ExtractResponse{Result: result}
	if manualEntry != nil {
		resp.Validation = h.service.Validate(result, manualEntry)
	}

	httputil.JSON(w, http.StatusOK, resp)
}

// RateLimitStatus handles GET /documents/rate-limit-status?subject_id=
func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		httputil.Error(w, errors.Validation(map[string]string{
			"subject_id": "this field is required",
		}))
		return
	}

	httputil.JSON(w, http.StatusOK, h.service.RateLimitStatus(subjectID, httputil.ClientIP(r)))
}

// ValidateRequest is the request body for POST /documents/validate
type ValidateRequest struct {
	Result      *domain.ExtractionResult `json:"result" validate:"required"`
	ManualEntry map[string]string        `json:"manual_entry"`
}

// Validate handles POST /documents/validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, h.service.Validate(req.Result, req.ManualEntry))
}

// ValidateRoutingNumber handles POST /documents/validate/routing-number
func (h *Handler) ValidateRoutingNumber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoutingNumber string `json:"routing_number" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, h.service.ValidateRoutingNumber(req.RoutingNumber))
}

// zeroBytes overwrites the uploaded document once the request is done so it
// does not linger in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
