package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/pkg/database"
)

// Schema creates the extraction audit table
const Schema = `
CREATE TABLE IF NOT EXISTS document_processing_audit (
	id UUID PRIMARY KEY,
	subject_id VARCHAR(255) NOT NULL,
	document_category VARCHAR(50) NOT NULL,
	provider_used VARCHAR(100) NOT NULL DEFAULT '',
	fields_extracted TEXT[] NOT NULL DEFAULT '{}',
	requires_manual_review BOOLEAN NOT NULL,
	document_fingerprint CHAR(64) NOT NULL,
	processing_duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT document_processing_audit_category_valid
		CHECK (document_category IN ('government_id', 'financial_instrument'))
);

CREATE INDEX IF NOT EXISTS idx_document_processing_audit_subject
	ON document_processing_audit(subject_id, created_at DESC);
`

// AuditRepository persists one row per extraction
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts an audit entry, assigning ID and CreatedAt when empty
func (r *AuditRepository) Create(ctx context.Context, entry *domain.ProcessingAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO document_processing_audit
			(id, subject_id, document_category, provider_used, fields_extracted,
			 requires_manual_review, document_fingerprint, processing_duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.SubjectID,
		string(entry.DocumentCategory),
		entry.ProviderUsed,
		pq.Array(entry.FieldsExtracted),
		entry.RequiresManualReview,
		entry.DocumentFingerprint,
		entry.ProcessingDurationMs,
		entry.CreatedAt,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type auditRow struct {
	domain.ProcessingAuditEntry
	Fields pq.StringArray `db:"fields_extracted"`
}

// ListBySubject returns a subject's audit trail, newest first
func (r *AuditRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]domain.ProcessingAuditEntry, error) {
	query := `
		SELECT id, subject_id, document_category, provider_used, fields_extracted,
		       requires_manual_review, document_fingerprint, processing_duration_ms, created_at
		FROM document_processing_audit
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, subjectID, limit); err != nil {
		return nil, err
	}

	entries := make([]domain.ProcessingAuditEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.ProcessingAuditEntry
		entries[i].FieldsExtracted = []string(row.Fields)
	}
	return entries, nil
}
