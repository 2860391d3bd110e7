package repository

import (
	"context"
	"time"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
)

// Store persists compliance records and workflow sessions.
//
// Load and Save return a NotFound AppError for unknown subjects; Create
// returns a Conflict when the subject already has a record. Returned records
// are copies owned by the caller.
type Store interface {
	CreateComplianceRecord(ctx context.Context, record *domain.ComplianceRecord) error
	LoadComplianceRecord(ctx context.Context, subjectID string) (*domain.ComplianceRecord, error)
	SaveComplianceRecord(ctx context.Context, record *domain.ComplianceRecord) error

	// ListComplianceRecords returns every record ordered by subject
	ListComplianceRecords(ctx context.Context) ([]*domain.ComplianceRecord, error)

	// QueryByUrgency returns records with at least one open stage, optionally
	// restricted to the given urgency levels, nearest deadline first
	QueryByUrgency(ctx context.Context, levels ...domain.UrgencyLevel) ([]*domain.ComplianceRecord, error)

	// PendingByReviewer counts open records per assigned reviewer
	PendingByReviewer(ctx context.Context) (map[string]int, error)

	CreateSession(ctx context.Context, session *domain.WorkflowSession) error
	CompleteSession(ctx context.Context, id string, at time.Time) error

	// DeleteExpiredSessions removes never-completed sessions that expired
	// before the cutoff and returns how many were removed
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}
