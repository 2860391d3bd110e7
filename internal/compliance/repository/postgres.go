package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/pkg/database"
	"github.com/hireflow/hireflow-backend/pkg/errors"
)

// Schema creates the compliance tables
const Schema = `
CREATE TABLE IF NOT EXISTS compliance_records (
	subject_id VARCHAR(255) NOT NULL,
	start_date DATE NOT NULL,
	stage_one_deadline DATE NOT NULL,
	stage_two_deadline DATE NOT NULL,
	stage_one_status VARCHAR(20) NOT NULL DEFAULT 'pending',
	stage_two_status VARCHAR(20) NOT NULL DEFAULT 'pending',
	stage_one_completed_at TIMESTAMPTZ,
	stage_two_completed_at TIMESTAMPTZ,
	urgency_level VARCHAR(20) NOT NULL DEFAULT 'ok',
	assigned_reviewer_id VARCHAR(255) NOT NULL DEFAULT '',
	last_reminder_sent_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT compliance_records_subject_pkey PRIMARY KEY (subject_id),
	CONSTRAINT compliance_records_stage_one_status_valid
		CHECK (stage_one_status IN ('pending', 'completed', 'overdue')),
	CONSTRAINT compliance_records_stage_two_status_valid
		CHECK (stage_two_status IN ('pending', 'completed', 'overdue')),
	CONSTRAINT compliance_records_urgency_valid
		CHECK (urgency_level IN ('ok', 'approaching', 'due_today', 'overdue'))
);

CREATE INDEX IF NOT EXISTS idx_compliance_records_urgency ON compliance_records(urgency_level);
CREATE INDEX IF NOT EXISTS idx_compliance_records_reviewer ON compliance_records(assigned_reviewer_id);

CREATE TABLE IF NOT EXISTS workflow_sessions (
	id UUID NOT NULL,
	subject_id VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	CONSTRAINT workflow_sessions_session_pkey PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_workflow_sessions_expiry
	ON workflow_sessions(expires_at) WHERE completed_at IS NULL;
`

const recordColumns = `subject_id, start_date, stage_one_deadline, stage_two_deadline,
	stage_one_status, stage_two_status, stage_one_completed_at, stage_two_completed_at,
	urgency_level, assigned_reviewer_id, last_reminder_sent_at, created_at, updated_at`

const openRecord = `NOT (stage_one_status = 'completed' AND stage_two_status = 'completed')`

const activeDeadline = `CASE WHEN stage_two_status <> 'completed' THEN stage_two_deadline ELSE stage_one_deadline END`

// PostgresStore is the sqlx-backed Store
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ============================================================================
// COMPLIANCE RECORDS
// ============================================================================

func (s *PostgresStore) CreateComplianceRecord(ctx context.Context, r *domain.ComplianceRecord) error {
	query := `INSERT INTO compliance_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		r.SubjectID,
		r.StartDate,
		r.StageOneDeadline,
		r.StageTwoDeadline,
		string(r.StageOneStatus),
		string(r.StageTwoStatus),
		r.StageOneCompletedAt,
		r.StageTwoCompletedAt,
		string(r.UrgencyLevel),
		r.AssignedReviewerID,
		r.LastReminderSentAt,
		r.CreatedAt,
		r.UpdatedAt,
	)
	return mapError(err, "create compliance record")
}

func (s *PostgresStore) LoadComplianceRecord(ctx context.Context, subjectID string) (*domain.ComplianceRecord, error) {
	var r domain.ComplianceRecord
	query := `SELECT ` + recordColumns + ` FROM compliance_records WHERE subject_id = $1`

	if err := s.db.GetContext(ctx, &r, query, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("compliance record")
		}
		return nil, fmt.Errorf("load compliance record: %w", err)
	}
	return normalizeDates(&r), nil
}

func (s *PostgresStore) SaveComplianceRecord(ctx context.Context, r *domain.ComplianceRecord) error {
	query := `
		UPDATE compliance_records SET
			stage_one_status = $2,
			stage_two_status = $3,
			stage_one_completed_at = $4,
			stage_two_completed_at = $5,
			urgency_level = $6,
			assigned_reviewer_id = $7,
			last_reminder_sent_at = $8,
			updated_at = $9
		WHERE subject_id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		r.SubjectID,
		string(r.StageOneStatus),
		string(r.StageTwoStatus),
		r.StageOneCompletedAt,
		r.StageTwoCompletedAt,
		string(r.UrgencyLevel),
		r.AssignedReviewerID,
		r.LastReminderSentAt,
		r.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "save compliance record")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save compliance record: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("compliance record")
	}
	return nil
}

func (s *PostgresStore) ListComplianceRecords(ctx context.Context) ([]*domain.ComplianceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM compliance_records ORDER BY subject_id`
	return s.selectRecords(ctx, query)
}

func (s *PostgresStore) QueryByUrgency(ctx context.Context, levels ...domain.UrgencyLevel) ([]*domain.ComplianceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM compliance_records WHERE ` + openRecord
	var args []interface{}
	if len(levels) > 0 {
		names := make([]string, len(levels))
		for i, l := range levels {
			names[i] = string(l)
		}
		query += ` AND urgency_level = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY ` + activeDeadline + `, subject_id`

	return s.selectRecords(ctx, query, args...)
}

func (s *PostgresStore) PendingByReviewer(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT assigned_reviewer_id AS reviewer_id, COUNT(*) AS pending_count
		FROM compliance_records
		WHERE ` + openRecord + ` AND assigned_reviewer_id <> ''
		GROUP BY assigned_reviewer_id
	`

	var rows []domain.ReviewerWorkload
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count pending by reviewer: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.ReviewerID] = row.PendingCount
	}
	return counts, nil
}

func (s *PostgresStore) selectRecords(ctx context.Context, query string, args ...interface{}) ([]*domain.ComplianceRecord, error) {
	var records []*domain.ComplianceRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("query compliance records: %w", err)
	}
	for _, r := range records {
		normalizeDates(r)
	}
	return records, nil
}

// ============================================================================
// WORKFLOW SESSIONS
// ============================================================================

func (s *PostgresStore) CreateSession(ctx context.Context, session *domain.WorkflowSession) error {
	query := `
		INSERT INTO workflow_sessions (id, subject_id, created_at, expires_at, completed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.SubjectID,
		session.CreatedAt,
		session.ExpiresAt,
		session.CompletedAt,
	)
	return mapError(err, "create workflow session")
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE workflow_sessions SET completed_at = COALESCE(completed_at, $2) WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return mapError(err, "complete workflow session")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete workflow session: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("workflow session")
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM workflow_sessions WHERE completed_at IS NULL AND expires_at < $1`

	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return fmt.Errorf("%s: %w", op, err)
}

// normalizeDates pins DATE columns to UTC midnight whatever session time zone
// the driver used.
func normalizeDates(r *domain.ComplianceRecord) *domain.ComplianceRecord {
	r.StartDate = domain.CivilDate(r.StartDate)
	r.StageOneDeadline = domain.CivilDate(r.StageOneDeadline)
	r.StageTwoDeadline = domain.CivilDate(r.StageTwoDeadline)
	return r
}
