package domain

import (
	"sort"
	"time"
)

// StageStatus is the state of one workflow stage
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusCompleted StageStatus = "completed"
	StatusOverdue   StageStatus = "overdue"
)

// UrgencyLevel classifies how close a record's active deadline is
type UrgencyLevel string

const (
	UrgencyOverdue     UrgencyLevel = "overdue"
	UrgencyDueToday    UrgencyLevel = "due_today"
	UrgencyApproaching UrgencyLevel = "approaching"
	UrgencyOK          UrgencyLevel = "ok"
)

// Valid reports whether u is a known urgency level
func (u UrgencyLevel) Valid() bool {
	switch u {
	case UrgencyOverdue, UrgencyDueToday, UrgencyApproaching, UrgencyOK:
		return true
	}
	return false
}

// Stage identifies one of the two workflow stages. Stage one is completed by
// the subject, stage two by the assigned reviewer.
type Stage int

const (
	StageOne Stage = 1
	StageTwo Stage = 2
)

// Valid reports whether s is stage one or two
func (s Stage) Valid() bool {
	return s == StageOne || s == StageTwo
}

const (
	// StageTwoBusinessDays is the statutory window for stage two
	StageTwoBusinessDays = 3

	// ApproachingDays is how many days ahead of a deadline a record becomes
	// approaching
	ApproachingDays = 2
)

// ComplianceRecord tracks one subject's two-stage workflow. Dates are civil
// dates stored as UTC midnight.
type ComplianceRecord struct {
	SubjectID           string       `db:"subject_id" json:"subject_id"`
	StartDate           time.Time    `db:"start_date" json:"start_date"`
	StageOneDeadline    time.Time    `db:"stage_one_deadline" json:"stage_one_deadline"`
	StageTwoDeadline    time.Time    `db:"stage_two_deadline" json:"stage_two_deadline"`
	StageOneStatus      StageStatus  `db:"stage_one_status" json:"stage_one_status"`
	StageTwoStatus      StageStatus  `db:"stage_two_status" json:"stage_two_status"`
	StageOneCompletedAt *time.Time   `db:"stage_one_completed_at" json:"stage_one_completed_at,omitempty"`
	StageTwoCompletedAt *time.Time   `db:"stage_two_completed_at" json:"stage_two_completed_at,omitempty"`
	UrgencyLevel        UrgencyLevel `db:"urgency_level" json:"urgency_level"`
	AssignedReviewerID  string       `db:"assigned_reviewer_id" json:"assigned_reviewer_id,omitempty"`
	LastReminderSentAt  *time.Time   `db:"last_reminder_sent_at" json:"last_reminder_sent_at,omitempty"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updated_at"`
}

// NewComplianceRecord creates a record with both stages pending. Stage one is
// due on the start date, stage two three business days later.
func NewComplianceRecord(subjectID string, startDate time.Time, reviewerID string, now time.Time) *ComplianceRecord {
	start := CivilDate(startDate)
	r := &ComplianceRecord{
		SubjectID:          subjectID,
		StartDate:          start,
		StageOneDeadline:   start,
		StageTwoDeadline:   AddBusinessDays(start, StageTwoBusinessDays),
		StageOneStatus:     StatusPending,
		StageTwoStatus:     StatusPending,
		AssignedReviewerID: reviewerID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	RecomputeUrgency(r, now)
	return r
}

// CivilDate drops the time of day, keeping the calendar date of t in its own
// location.
func CivilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddBusinessDays steps one calendar day at a time from start, counting only
// Monday to Friday. Holidays are not modeled.
func AddBusinessDays(start time.Time, n int) time.Time {
	d := CivilDate(start)
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if IsBusinessDay(d) {
			added++
		}
	}
	return d
}

// IsBusinessDay reports whether t falls on a weekday
func IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Status returns the status of a stage
func (r *ComplianceRecord) Status(stage Stage) StageStatus {
	if stage == StageOne {
		return r.StageOneStatus
	}
	return r.StageTwoStatus
}

// Deadline returns the deadline of a stage
func (r *ComplianceRecord) Deadline(stage Stage) time.Time {
	if stage == StageOne {
		return r.StageOneDeadline
	}
	return r.StageTwoDeadline
}

// CompletedAt returns when a stage was completed, or nil
func (r *ComplianceRecord) CompletedAt(stage Stage) *time.Time {
	if stage == StageOne {
		return r.StageOneCompletedAt
	}
	return r.StageTwoCompletedAt
}

// Terminal reports whether both stages are completed
func (r *ComplianceRecord) Terminal() bool {
	return r.StageOneStatus == StatusCompleted && r.StageTwoStatus == StatusCompleted
}

// ActiveStage returns the stage whose deadline drives urgency: stage two
// while it is open, otherwise stage one while it is open.
func (r *ComplianceRecord) ActiveStage() (Stage, bool) {
	switch {
	case r.StageTwoStatus != StatusCompleted:
		return StageTwo, true
	case r.StageOneStatus != StatusCompleted:
		return StageOne, true
	default:
		return 0, false
	}
}

// Complete marks a stage completed at the given time. Completing a stage a
// second time keeps the first timestamp and returns false. The other stage is
// never touched.
func (r *ComplianceRecord) Complete(stage Stage, at time.Time) bool {
	if r.Status(stage) == StatusCompleted {
		return false
	}
	ts := at
	if stage == StageOne {
		r.StageOneStatus = StatusCompleted
		r.StageOneCompletedAt = &ts
	} else {
		r.StageTwoStatus = StatusCompleted
		r.StageTwoCompletedAt = &ts
	}
	r.UpdatedAt = at
	return true
}

// CompletedOnTime reports whether a completed stage finished on or before its
// deadline date.
func (r *ComplianceRecord) CompletedOnTime(stage Stage) bool {
	at := r.CompletedAt(stage)
	if at == nil {
		return false
	}
	return !CivilDate(*at).After(r.Deadline(stage))
}

// RecomputeUrgency flips pending stages past their deadline to overdue and
// sets UrgencyLevel from the active deadline. now should already be in the
// business time zone. Calling it twice with the same now is a no-op.
func RecomputeUrgency(r *ComplianceRecord, now time.Time) UrgencyLevel {
	today := CivilDate(now)

	if r.StageOneStatus == StatusPending && today.After(r.StageOneDeadline) {
		r.StageOneStatus = StatusOverdue
	}
	if r.StageTwoStatus == StatusPending && today.After(r.StageTwoDeadline) {
		r.StageTwoStatus = StatusOverdue
	}

	stage, ok := r.ActiveStage()
	if !ok {
		r.UrgencyLevel = UrgencyOK
		return r.UrgencyLevel
	}

	deadline := r.Deadline(stage)
	daysLeft := int(deadline.Sub(today).Hours() / 24)
	switch {
	case daysLeft < 0:
		r.UrgencyLevel = UrgencyOverdue
	case daysLeft == 0:
		r.UrgencyLevel = UrgencyDueToday
	case daysLeft <= ApproachingDays:
		r.UrgencyLevel = UrgencyApproaching
	default:
		r.UrgencyLevel = UrgencyOK
	}
	return r.UrgencyLevel
}

// NeedsReminder reports whether the record is due_today or approaching and
// has not been reminded within cooldown.
func (r *ComplianceRecord) NeedsReminder(now time.Time, cooldown time.Duration) bool {
	if r.UrgencyLevel != UrgencyDueToday && r.UrgencyLevel != UrgencyApproaching {
		return false
	}
	return r.LastReminderSentAt == nil || now.Sub(*r.LastReminderSentAt) >= cooldown
}

// Clone returns a deep copy
func (r *ComplianceRecord) Clone() *ComplianceRecord {
	c := *r
	c.StageOneCompletedAt = clonePtr(r.StageOneCompletedAt)
	c.StageTwoCompletedAt = clonePtr(r.StageTwoCompletedAt)
	c.LastReminderSentAt = clonePtr(r.LastReminderSentAt)
	return &c
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ReviewerWorkload is a candidate reviewer and their open assignments
type ReviewerWorkload struct {
	ReviewerID   string `db:"reviewer_id" json:"reviewer_id"`
	PendingCount int    `db:"pending_count" json:"pending_count"`
}

// SelectReviewer picks the candidate with the fewest pending records. Ties go
// to the lowest identifier.
func SelectReviewer(candidates []ReviewerWorkload) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sorted := append([]ReviewerWorkload(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PendingCount != sorted[j].PendingCount {
			return sorted[i].PendingCount < sorted[j].PendingCount
		}
		return sorted[i].ReviewerID < sorted[j].ReviewerID
	})
	return sorted[0].ReviewerID, true
}

// WorkflowSession is a pre-registration session for a subject that only has
// a temporary identifier so far
type WorkflowSession struct {
	ID          string     `db:"id" json:"id"`
	SubjectID   string     `db:"subject_id" json:"subject_id"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
