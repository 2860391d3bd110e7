package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/processor"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/validation"
	"github.com/hireflow/hireflow-backend/internal/ratelimit"
	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

const (
	auditTimeout      = 5 * time.Second
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// AuditStore persists and lists extraction audit entries
type AuditStore interface {
	Create(ctx context.Context, entry *domain.ProcessingAuditEntry) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]domain.ProcessingAuditEntry, error)
}

// Service orchestrates document extraction: admit → provider chain →
// normalize → review decision → audit
type Service struct {
	chain          *processor.Chain
	ipLimiter      *ratelimit.Limiter
	subjectLimiter *ratelimit.Limiter
	validator      *validation.FieldValidator
	audit          AuditStore
	log            *logger.Logger

	auditWG sync.WaitGroup
}

// NewService creates a new document extraction service. audit may be nil.
func NewService(
	chain *processor.Chain,
	ipLimiter, subjectLimiter *ratelimit.Limiter,
	validator *validation.FieldValidator,
	audit AuditStore,
	log *logger.Logger,
) *Service {
	return &Service{
		chain:          chain,
		ipLimiter:      ipLimiter,
		subjectLimiter: subjectLimiter,
		validator:      validator,
		audit:          audit,
		log:            log.WithComponent("extraction"),
	}
}

// Extract admits the request against both limiters, then walks the provider
// chain for the document category. Provider failures and low confidence are
// reported in the result; the only error returned is a rate limit denial or
// a malformed request.
//
// The caller owns req.ImageData and may zero it once Extract returns.
func (s *Service) Extract(ctx context.Context, req *domain.ExtractionRequest) (*domain.ExtractionResult, error) {
	if !req.DocumentCategory.Valid() {
		return nil, errors.BadRequest(fmt.Sprintf("unsupported document category %q", req.DocumentCategory))
	}
	if req.SubjectID == "" {
		return nil, errors.BadRequest("subject_id is required")
	}

	if err := s.admit(req); err != nil {
		return nil, err
	}

	log := s.log.WithSubjectID(req.SubjectID)
	start := time.Now()
	fingerprint := Fingerprint(req.ImageData)

	outcome := s.chain.Extract(ctx, req.DocumentCategory, req.ImageData)
	result := buildResult(req.DocumentCategory, outcome)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	metrics.ExtractionsTotal.WithLabelValues(string(req.DocumentCategory), strconv.FormatBool(result.RequiresManualReview)).Inc()

	log.Info().
		Str("category", string(req.DocumentCategory)).
		Str("provider", result.ProviderUsed).
		Bool("success", result.Success).
		Bool("manual_review", result.RequiresManualReview).
		Int("fields_extracted", len(result.Fields)).
		Int64("duration_ms", result.ProcessingTimeMs).
		Msg("document extraction completed")

	s.writeAuditLog(req, result, fingerprint)

	return result, nil
}

// admit checks the IP limiter, then the subject limiter. Capacity taken from
// the IP limiter is not returned when the subject limiter denies.
func (s *Service) admit(req *domain.ExtractionRequest) error {
	for _, l := range []struct {
		limiter *ratelimit.Limiter
		key     string
	}{
		{s.ipLimiter, req.CallerIP},
		{s.subjectLimiter, req.SubjectID},
	} {
		allowed, _, retryAfter := l.limiter.Check(l.key)
		if !allowed {
			metrics.RateLimitDecisions.WithLabelValues(l.limiter.Name(), "denied").Inc()
			s.log.Warn().
				Str("scope", l.limiter.Name()).
				Str("key", l.key).
				Dur("retry_after", retryAfter).
				Msg("extraction rate limited")
			return errors.RateLimited(l.limiter.Name(), retryAfter)
		}
		metrics.RateLimitDecisions.WithLabelValues(l.limiter.Name(), "allowed").Inc()
	}
	return nil
}

func buildResult(category domain.DocumentCategory, outcome *processor.Outcome) *domain.ExtractionResult {
	result := &domain.ExtractionResult{
		DocumentCategory:   category,
		Fields:             map[string]string{},
		PerFieldConfidence: map[string]float64{},
		ProcessingNotes:    []string{},
	}

	for _, a := range outcome.Attempts {
		if a.Err != nil {
			result.ProcessingNotes = append(result.ProcessingNotes,
				fmt.Sprintf("provider %s failed: %s", a.Provider, processor.KindOf(a.Err)))
		}
	}

	if !outcome.Succeeded() {
		if len(outcome.Attempts) == 0 {
			result.ProcessingNotes = append(result.ProcessingNotes,
				fmt.Sprintf("no extraction provider configured for %s", category))
		}
		result.ProcessingNotes = append(result.ProcessingNotes, "no provider produced a result; manual review required")
		result.RequiresManualReview = true
		return result
	}

	fields, confidence, ignored := processor.Normalize(category, outcome.Output)
	result.Success = true
	result.ProviderUsed = outcome.Provider
	result.Fields = fields
	result.PerFieldConfidence = confidence

	if len(ignored) > 0 {
		result.ProcessingNotes = append(result.ProcessingNotes,
			"ignored unrecognized provider fields: "+strings.Join(ignored, ", "))
	}

	for _, field := range category.MandatoryFields() {
		if _, ok := fields[field]; !ok {
			result.RequiresManualReview = true
			result.ProcessingNotes = append(result.ProcessingNotes, fmt.Sprintf("mandatory field %s missing", field))
			continue
		}
		if confidence[field] < domain.MinMandatoryConfidence {
			result.RequiresManualReview = true
			result.ProcessingNotes = append(result.ProcessingNotes,
				fmt.Sprintf("mandatory field %s confidence %.2f below %.2f", field, confidence[field], domain.MinMandatoryConfidence))
		}
	}

	return result
}

// Validate scores a result against a manually entered field map
func (s *Service) Validate(result *domain.ExtractionResult, manualEntry map[string]string) *domain.ValidationReport {
	return s.validator.Validate(result, manualEntry)
}

// ValidateRoutingNumber checks a single routing number
func (s *Service) ValidateRoutingNumber(routing string) *validation.ValidationResult {
	return s.validator.ValidateRoutingNumber(routing)
}

// RateLimitStatus reports current usage for the caller and subject without
// consuming capacity
func (s *Service) RateLimitStatus(subjectID, callerIP string) domain.RateLimitStatus {
	ipUsed, ipLimit, _ := s.ipLimiter.Status(callerIP)
	subjectUsed, subjectLimit, _ := s.subjectLimiter.Status(subjectID)
	return domain.RateLimitStatus{
		IPUsed:       ipUsed,
		IPLimit:      ipLimit,
		SubjectUsed:  subjectUsed,
		SubjectLimit: subjectLimit,
	}
}

// AuditTrail returns a subject's extraction history, newest first. A
// non-positive limit selects the default; larger limits are capped.
func (s *Service) AuditTrail(ctx context.Context, subjectID string, limit int) ([]domain.ProcessingAuditEntry, error) {
	if subjectID == "" {
		return nil, errors.Validation(map[string]string{"subject_id": "this field is required"})
	}
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	if s.audit == nil {
		return []domain.ProcessingAuditEntry{}, nil
	}
	entries, err := s.audit.ListBySubject(ctx, subjectID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.ProcessingAuditEntry{}
	}
	return entries, nil
}

// Wait blocks until pending audit writes have finished
func (s *Service) Wait() {
	s.auditWG.Wait()
}

// Fingerprint returns the hex BLAKE2b-256 digest of a document
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAuditLog records the extraction (async, non-blocking). Only the
// fingerprint of the document is stored.
func (s *Service) writeAuditLog(req *domain.ExtractionRequest, result *domain.ExtractionResult, fingerprint string) {
	if s.audit == nil {
		return
	}

	fieldKeys := make([]string, 0, len(result.Fields))
	for key := range result.Fields {
		fieldKeys = append(fieldKeys, key)
	}
	sort.Strings(fieldKeys)

	entry := &domain.ProcessingAuditEntry{
		SubjectID:            req.SubjectID,
		DocumentCategory:     req.DocumentCategory,
		ProviderUsed:         result.ProviderUsed,
		FieldsExtracted:      fieldKeys,
		RequiresManualReview: result.RequiresManualReview,
		DocumentFingerprint:  fingerprint,
		ProcessingDurationMs: result.ProcessingTimeMs,
	}

	s.auditWG.Add(1)
	go func() {
		defer s.auditWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := s.audit.Create(ctx, entry); err != nil {
			s.log.Error().Err(err).Str("subject_id", entry.SubjectID).Msg("failed to write document processing audit log")
		}
	}()
}
