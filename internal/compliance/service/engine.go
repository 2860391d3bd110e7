package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/internal/compliance/repository"
	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/messaging"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

const dateLayout = "2006-01-02"

// Engine owns compliance record state transitions. Updates to one subject are
// serialized; different subjects proceed in parallel.
type Engine struct {
	store     repository.Store
	publisher messaging.EventPublisher
	clock     clockwork.Clock
	location  *time.Location
	locks     *subjectLocks
	logger    *logger.Logger
}

// NewEngine creates a compliance engine. Civil dates (deadlines, "today") are
// evaluated in loc; a nil loc means UTC.
func NewEngine(
	store repository.Store,
	publisher messaging.EventPublisher,
	clock clockwork.Clock,
	loc *time.Location,
	log *logger.Logger,
) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		clock:     clock,
		location:  loc,
		locks:     newSubjectLocks(),
		logger:    log.WithComponent("compliance_engine"),
	}
}

// Now returns the current time in the business time zone
func (e *Engine) Now() time.Time {
	return e.clock.Now().In(e.location)
}

// ============================================================================
// WORKFLOW LIFECYCLE
// ============================================================================

// StartWorkflow opens a compliance record for a subject whose start date is
// known. A subject can only have one record.
func (e *Engine) StartWorkflow(ctx context.Context, subjectID string, startDate time.Time, reviewerID string) (*domain.ComplianceRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errors.BadRequest("subject_id is required")
	}
	if startDate.IsZero() {
		return nil, errors.BadRequest("start_date is required")
	}

	now := e.Now()
	record := domain.NewComplianceRecord(subjectID, startDate, reviewerID, now)

	unlock := e.locks.lock(subjectID)
	defer unlock()

	if err := e.store.CreateComplianceRecord(ctx, record); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("subject_id", subjectID).
		Str("stage_two_deadline", record.StageTwoDeadline.Format(dateLayout)).
		Msg("compliance workflow started")

	e.publish(ctx, messaging.EventWorkflowStarted, messaging.WorkflowStartedEvent{
		SubjectID:        subjectID,
		StartDate:        record.StartDate.Format(dateLayout),
		StageTwoDeadline: record.StageTwoDeadline.Format(dateLayout),
		ReviewerID:       reviewerID,
		StartedAt:        now,
	})

	return record, nil
}

// MarkStageComplete completes a stage and recomputes urgency. The other stage
// keeps its status, so an overdue stage two stays overdue when stage one is
// completed late. Completing an already completed stage is a no-op that
// returns the current record.
func (e *Engine) MarkStageComplete(ctx context.Context, subjectID string, stage domain.Stage) (*domain.ComplianceRecord, error) {
	if !stage.Valid() {
		return nil, errors.BadRequest("stage must be 1 or 2")
	}

	unlock := e.locks.lock(subjectID)
	defer unlock()

	record, err := e.store.LoadComplianceRecord(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	first := record.Complete(stage, now)
	domain.RecomputeUrgency(record, now)
	record.UpdatedAt = now

	if err := e.store.SaveComplianceRecord(ctx, record); err != nil {
		return nil, err
	}

	if first {
		onTime := record.CompletedOnTime(stage)
		metrics.StageCompletions.WithLabelValues(strconv.Itoa(int(stage)), strconv.FormatBool(onTime)).Inc()

		e.logger.Info().
			Str("subject_id", subjectID).
			Int("stage", int(stage)).
			Bool("on_time", onTime).
			Str("urgency", string(record.UrgencyLevel)).
			Msg("stage completed")

		e.publish(ctx, messaging.EventStageCompleted, messaging.StageCompletedEvent{
			SubjectID:   subjectID,
			Stage:       int(stage),
			Deadline:    record.Deadline(stage).Format(dateLayout),
			CompletedAt: now,
			OnTime:      onTime,
		})
	}

	return record, nil
}

// RecomputeUrgency reloads one record, re-evaluates it against today and
// persists any change.
func (e *Engine) RecomputeUrgency(ctx context.Context, subjectID string) (*domain.ComplianceRecord, error) {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	record, _, err := e.recompute(ctx, subjectID)
	return record, err
}

// RefreshUrgency re-evaluates every open record so that pending stages flip
// to overdue without a caller action. It returns how many records changed.
func (e *Engine) RefreshUrgency(ctx context.Context) (int, error) {
	open, err := e.store.QueryByUrgency(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, r := range open {
		if err := ctx.Err(); err != nil {
			return changed, err
		}

		unlock := e.locks.lock(r.SubjectID)
		_, updated, err := e.recompute(ctx, r.SubjectID)
		unlock()

		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return changed, err
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

// recompute must be called with the subject lock held
func (e *Engine) recompute(ctx context.Context, subjectID string) (*domain.ComplianceRecord, bool, error) {
	record, err := e.store.LoadComplianceRecord(ctx, subjectID)
	if err != nil {
		return nil, false, err
	}

	before := *record
	now := e.Now()
	domain.RecomputeUrgency(record, now)

	if record.UrgencyLevel == before.UrgencyLevel &&
		record.StageOneStatus == before.StageOneStatus &&
		record.StageTwoStatus == before.StageTwoStatus {
		return record, false, nil
	}

	record.UpdatedAt = now
	if err := e.store.SaveComplianceRecord(ctx, record); err != nil {
		return nil, false, err
	}

	e.logger.Debug().
		Str("subject_id", subjectID).
		Str("from", string(before.UrgencyLevel)).
		Str("to", string(record.UrgencyLevel)).
		Msg("urgency changed")

	return record, true, nil
}

// ============================================================================
// REVIEWER ASSIGNMENT
// ============================================================================

// ReviewerWorkloads returns the open record count of each reviewer
func (e *Engine) ReviewerWorkloads(ctx context.Context, reviewerIDs []string) ([]domain.ReviewerWorkload, error) {
	counts, err := e.store.PendingByReviewer(ctx)
	if err != nil {
		return nil, err
	}

	workloads := make([]domain.ReviewerWorkload, 0, len(reviewerIDs))
	seen := make(map[string]bool, len(reviewerIDs))
	for _, id := range reviewerIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		workloads = append(workloads, domain.ReviewerWorkload{ReviewerID: id, PendingCount: counts[id]})
	}
	return workloads, nil
}

// AssignReviewer gives the subject's record to the least loaded candidate.
// Ties go to the lowest reviewer identifier.
func (e *Engine) AssignReviewer(ctx context.Context, subjectID string, candidates []domain.ReviewerWorkload) (string, error) {
	reviewerID, ok := domain.SelectReviewer(candidates)
	if !ok {
		return "", errors.BadRequest("at least one reviewer candidate is required")
	}

	unlock := e.locks.lock(subjectID)
	defer unlock()

	record, err := e.store.LoadComplianceRecord(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if record.AssignedReviewerID == reviewerID {
		return reviewerID, nil
	}

	now := e.Now()
	record.AssignedReviewerID = reviewerID
	record.UpdatedAt = now
	if err := e.store.SaveComplianceRecord(ctx, record); err != nil {
		return "", err
	}

	e.logger.Info().Str("subject_id", subjectID).Str("reviewer_id", reviewerID).Msg("reviewer assigned")

	e.publish(ctx, messaging.EventReviewerAssigned, messaging.ReviewerAssignedEvent{
		SubjectID:  subjectID,
		ReviewerID: reviewerID,
		AssignedAt: now,
	})

	return reviewerID, nil
}

// ============================================================================
// QUERIES
// ============================================================================

// PendingDeadlines lists records with an open stage, nearest deadline first,
// optionally filtered by urgency. Open records are re-evaluated against today
// before filtering, so a day boundary since the last sweep is reflected.
func (e *Engine) PendingDeadlines(ctx context.Context, urgencies ...domain.UrgencyLevel) ([]*domain.ComplianceRecord, error) {
	for _, u := range urgencies {
		if !u.Valid() {
			return nil, errors.Validation(map[string]string{
				"urgency": "must be one of: overdue, due_today, approaching, ok",
			})
		}
	}
	if _, err := e.RefreshUrgency(ctx); err != nil {
		return nil, err
	}
	records, err := e.store.QueryByUrgency(ctx, urgencies...)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*domain.ComplianceRecord{}
	}
	return records, nil
}

// ComplianceReport counts on-time and late completions per stage whose
// completion date falls in [start, end].
func (e *Engine) ComplianceReport(ctx context.Context, start, end time.Time) (*domain.Report, error) {
	if end.Before(start) {
		return nil, errors.BadRequest("end must not be before start")
	}

	records, err := e.store.ListComplianceRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		r.StageOneCompletedAt = e.inLocation(r.StageOneCompletedAt)
		r.StageTwoCompletedAt = e.inLocation(r.StageTwoCompletedAt)
	}
	return domain.BuildReport(records, start, end), nil
}

// inLocation moves a stored timestamp into the business time zone so its
// civil date matches the one used when it was recorded
func (e *Engine) inLocation(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(e.location)
	return &v
}

// ============================================================================
// REMINDERS
// ============================================================================

// DueForReminder returns open records that are due today or approaching and
// have not been reminded within cooldown.
func (e *Engine) DueForReminder(ctx context.Context, cooldown time.Duration) ([]*domain.ComplianceRecord, error) {
	candidates, err := e.store.QueryByUrgency(ctx, domain.UrgencyDueToday, domain.UrgencyApproaching)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	due := make([]*domain.ComplianceRecord, 0, len(candidates))
	for _, r := range candidates {
		if r.NeedsReminder(now, cooldown) {
			due = append(due, r)
		}
	}
	return due, nil
}

// RecordReminderSent stamps the record's last reminder time
func (e *Engine) RecordReminderSent(ctx context.Context, subjectID string, at time.Time) error {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	record, err := e.store.LoadComplianceRecord(ctx, subjectID)
	if err != nil {
		return err
	}

	ts := at
	record.LastReminderSentAt = &ts
	record.UpdatedAt = e.Now()
	return e.store.SaveComplianceRecord(ctx, record)
}

// ============================================================================
// WORKFLOW SESSIONS
// ============================================================================

// OpenSession starts a pre-registration session for a temporary subject
// identifier. Sessions that are never completed are purged after they expire.
func (e *Engine) OpenSession(ctx context.Context, subjectID string, ttl time.Duration) (*domain.WorkflowSession, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errors.BadRequest("subject_id is required")
	}
	if ttl <= 0 {
		return nil, errors.BadRequest("session ttl must be positive")
	}

	now := e.Now()
	session := &domain.WorkflowSession{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CompleteSession marks a session completed so cleanup keeps it
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return errors.BadRequest("invalid session id")
	}
	return e.store.CompleteSession(ctx, sessionID, e.Now())
}

// PurgeExpiredSessions removes never-completed sessions that expired more
// than retention ago.
func (e *Engine) PurgeExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.DeleteExpiredSessions(ctx, e.Now().Add(-retention))
}

func (e *Engine) publish(ctx context.Context, eventType string, data interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, eventType, data); err != nil {
		e.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}
