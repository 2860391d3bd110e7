// Package scheduler drives the periodic compliance jobs: deadline reminders,
// expired session cleanup and the reviewer daily summary.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/pkg/config"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/messaging"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

// Job names used in logs and metrics
const (
	JobExpiringCheck   = "expiring_check"
	JobCleanup         = "session_cleanup"
	JobReviewerSummary = "reviewer_summary"
)

// Engine is the part of the compliance engine the scheduler drives
type Engine interface {
	RefreshUrgency(ctx context.Context) (int, error)
	DueForReminder(ctx context.Context, cooldown time.Duration) ([]*domain.ComplianceRecord, error)
	RecordReminderSent(ctx context.Context, subjectID string, at time.Time) error
	PendingDeadlines(ctx context.Context, urgencies ...domain.UrgencyLevel) ([]*domain.ComplianceRecord, error)
	PurgeExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// NotificationSender hands a notification to the delivery service
type NotificationSender interface {
	Send(ctx context.Context, recipient, template string, payload map[string]any) error
}

// Scheduler runs every job from a single goroutine over an injectable clock
type Scheduler struct {
	engine   Engine
	notifier NotificationSender
	clock    clockwork.Clock
	limiter  *rate.Limiter
	logger   *logger.Logger

	initialDelay     time.Duration
	reminderInterval time.Duration
	reminderCooldown time.Duration
	cleanupAt        time.Duration
	summaryAt        time.Duration
	sessionRetention time.Duration
	location         *time.Location
}

// New creates a scheduler from configuration. A nil clock means the real
// clock. NotificationsPerSecond <= 0 disables pacing.
func New(engine Engine, notifier NotificationSender, clock clockwork.Clock, cfg config.SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cleanupAt, err := config.ParseTimeOfDay(cfg.CleanupAt)
	if err != nil {
		return nil, fmt.Errorf("cleanup_at: %w", err)
	}
	summaryAt, err := config.ParseTimeOfDay(cfg.SummaryAt)
	if err != nil {
		return nil, fmt.Errorf("summary_at: %w", err)
	}
	loc := time.UTC
	if cfg.Location != "" {
		if loc, err = time.LoadLocation(cfg.Location); err != nil {
			return nil, fmt.Errorf("location: %w", err)
		}
	}
	if cfg.ReminderInterval <= 0 {
		return nil, fmt.Errorf("reminder interval must be positive")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.NotificationsPerSecond > 0 {
		burst := int(cfg.NotificationsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.NotificationsPerSecond), burst)
	}

	return &Scheduler{
		engine:           engine,
		notifier:         notifier,
		clock:            clock,
		limiter:          limiter,
		logger:           log.WithComponent("scheduler"),
		initialDelay:     cfg.InitialDelay,
		reminderInterval: cfg.ReminderInterval,
		reminderCooldown: cfg.ReminderCooldown,
		cleanupAt:        cleanupAt,
		summaryAt:        summaryAt,
		sessionRetention: cfg.SessionRetention,
		location:         loc,
	}, nil
}

// Run blocks until ctx is cancelled. The expiring check runs once after the
// initial delay and then every reminder interval; cleanup and the reviewer
// summary run daily at their configured time of day.
func (s *Scheduler) Run(ctx context.Context) error {
	initial := s.clock.NewTimer(s.initialDelay)
	defer initial.Stop()
	reminders := s.clock.NewTicker(s.reminderInterval)
	defer reminders.Stop()
	cleanup := s.clock.NewTimer(s.untilNext(s.cleanupAt))
	defer cleanup.Stop()
	summary := s.clock.NewTimer(s.untilNext(s.summaryAt))
	defer summary.Stop()

	s.logger.Info().
		Dur("initial_delay", s.initialDelay).
		Dur("reminder_interval", s.reminderInterval).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-initial.Chan():
			s.run(ctx, JobExpiringCheck, s.RunExpiringCheck)
		case <-reminders.Chan():
			s.run(ctx, JobExpiringCheck, s.RunExpiringCheck)
		case <-cleanup.Chan():
			s.run(ctx, JobCleanup, s.RunCleanup)
			cleanup.Reset(s.untilNext(s.cleanupAt))
		case <-summary.Chan():
			s.run(ctx, JobReviewerSummary, s.RunReviewerSummary)
			summary.Reset(s.untilNext(s.summaryAt))
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job string, fn func(context.Context) error) {
	start := s.clock.Now()
	err := fn(ctx)
	metrics.RecordJobRun(job, err, s.clock.Since(start))
	if err != nil {
		s.logger.Error().Err(err).Str("job", job).Msg("scheduled job failed")
	}
}

// pace blocks until the notification limiter has room. Tokens are reserved at
// the scheduler clock's time and the wait runs on that clock.
func (s *Scheduler) pace(ctx context.Context) error {
	now := s.clock.Now()
	delay := s.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(delay):
		return nil
	}
}

// untilNext returns the wait until the next occurrence of offset past
// midnight in the business time zone
func (s *Scheduler) untilNext(offset time.Duration) time.Duration {
	now := s.clock.Now().In(s.location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	next := midnight.Add(offset)
	if !next.After(now) {
		next = midnight.AddDate(0, 0, 1).Add(offset)
	}
	return next.Sub(now)
}

// ============================================================================
// EXPIRING CHECK
// ============================================================================

// RunExpiringCheck sends one reminder per due record that has not been
// reminded within the cooldown. A record whose notification fails keeps its
// old reminder timestamp and is retried on the next pass.
func (s *Scheduler) RunExpiringCheck(ctx context.Context) error {
	if _, err := s.engine.RefreshUrgency(ctx); err != nil {
		return fmt.Errorf("refresh urgency: %w", err)
	}

	due, err := s.engine.DueForReminder(ctx, s.reminderCooldown)
	if err != nil {
		return fmt.Errorf("query due records: %w", err)
	}

	sent, failed := 0, 0
	for _, r := range due {
		recipient, stage, ok := reminderTarget(r)
		if !ok {
			s.logger.Warn().Str("subject_id", r.SubjectID).Msg("stage two open without an assigned reviewer, skipping reminder")
			continue
		}

		if err := s.pace(ctx); err != nil {
			return err
		}

		payload := map[string]any{
			"subject_id": r.SubjectID,
			"stage":      int(stage),
			"deadline":   r.Deadline(stage).Format("2006-01-02"),
			"urgency":    string(r.UrgencyLevel),
		}
		if err := s.notifier.Send(ctx, recipient, messaging.TemplateDeadlineReminder, payload); err != nil {
			failed++
			s.logger.Warn().Err(err).Str("subject_id", r.SubjectID).Msg("deadline reminder not sent")
			continue
		}

		if err := s.engine.RecordReminderSent(ctx, r.SubjectID, s.clock.Now()); err != nil {
			failed++
			s.logger.Error().Err(err).Str("subject_id", r.SubjectID).Msg("failed to record reminder")
			continue
		}
		sent++
	}

	s.logger.Info().Int("due", len(due)).Int("sent", sent).Int("failed", failed).Msg("expiring check finished")

	if failed > 0 {
		return fmt.Errorf("%d of %d reminders failed", failed, len(due))
	}
	return nil
}

// reminderTarget picks who must act next: the subject while stage one is
// open, otherwise the assigned reviewer.
func reminderTarget(r *domain.ComplianceRecord) (string, domain.Stage, bool) {
	if r.StageOneStatus != domain.StatusCompleted {
		return r.SubjectID, domain.StageOne, true
	}
	if r.AssignedReviewerID == "" {
		return "", domain.StageTwo, false
	}
	return r.AssignedReviewerID, domain.StageTwo, true
}

// ============================================================================
// CLEANUP
// ============================================================================

// RunCleanup purges never-completed sessions past the retention window
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	removed, err := s.engine.PurgeExpiredSessions(ctx, s.sessionRetention)
	if err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	s.logger.Info().Int64("removed", removed).Msg("expired workflow sessions purged")
	return nil
}

// ============================================================================
// REVIEWER SUMMARY
// ============================================================================

type reviewerSummary struct {
	pending  int
	overdue  int
	dueToday int
}

// RunReviewerSummary sends one summary per reviewer with open records,
// counted against today's urgency. Reviewers with nothing pending get no
// message.
func (s *Scheduler) RunReviewerSummary(ctx context.Context) error {
	open, err := s.engine.PendingDeadlines(ctx)
	if err != nil {
		return fmt.Errorf("query pending records: %w", err)
	}

	summaries := make(map[string]*reviewerSummary)
	for _, r := range open {
		if r.AssignedReviewerID == "" {
			continue
		}
		sum, ok := summaries[r.AssignedReviewerID]
		if !ok {
			sum = &reviewerSummary{}
			summaries[r.AssignedReviewerID] = sum
		}
		sum.pending++
		switch r.UrgencyLevel {
		case domain.UrgencyOverdue:
			sum.overdue++
		case domain.UrgencyDueToday:
			sum.dueToday++
		}
	}

	reviewers := make([]string, 0, len(summaries))
	for id := range summaries {
		reviewers = append(reviewers, id)
	}
	sort.Strings(reviewers)

	today := s.clock.Now().In(s.location).Format("2006-01-02")
	failed := 0
	for _, id := range reviewers {
		sum := summaries[id]
		if sum.pending == 0 {
			continue
		}
		if err := s.pace(ctx); err != nil {
			return err
		}
		payload := map[string]any{
			"date":          today,
			"pending_count": sum.pending,
			"overdue_count": sum.overdue,
			"due_today":     sum.dueToday,
		}
		if err := s.notifier.Send(ctx, id, messaging.TemplateReviewerDailySummary, payload); err != nil {
			failed++
			s.logger.Warn().Err(err).Str("reviewer_id", id).Msg("daily summary not sent")
		}
	}

	s.logger.Info().Int("reviewers", len(reviewers)).Int("failed", failed).Msg("reviewer summaries sent")

	if failed > 0 {
		return fmt.Errorf("%d of %d summaries failed", failed, len(reviewers))
	}
	return nil
}
