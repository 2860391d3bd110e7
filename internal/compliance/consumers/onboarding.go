// Package consumers reacts to onboarding events published by other services.
package consumers

import (
	"context"
	"time"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/messaging"
)

// QueueName is the durable queue bound to the onboarding exchange
const QueueName = "verification-service.onboarding"

// Engine is the part of the compliance engine driven by onboarding events
type Engine interface {
	StartWorkflow(ctx context.Context, subjectID string, startDate time.Time, reviewerID string) (*domain.ComplianceRecord, error)
	MarkStageComplete(ctx context.Context, subjectID string, stage domain.Stage) (*domain.ComplianceRecord, error)
	ReviewerWorkloads(ctx context.Context, reviewerIDs []string) ([]domain.ReviewerWorkload, error)
	AssignReviewer(ctx context.Context, subjectID string, candidates []domain.ReviewerWorkload) (string, error)
	RecomputeUrgency(ctx context.Context, subjectID string) (*domain.ComplianceRecord, error)
}

// OnboardingConsumer opens workflows for registered subjects and completes
// stage one when the subject submits their part.
type OnboardingConsumer struct {
	engine Engine
	logger *logger.Logger
}

// NewOnboardingConsumer creates the consumer
func NewOnboardingConsumer(engine Engine, log *logger.Logger) *OnboardingConsumer {
	return &OnboardingConsumer{
		engine: engine,
		logger: log.WithComponent("onboarding_consumer"),
	}
}

// Register subscribes the consumer's handlers on c
func (oc *OnboardingConsumer) Register(c *messaging.Consumer) error {
	if err := c.Subscribe(messaging.ExchangeOnboardingEvents, "onboarding.#"); err != nil {
		return err
	}
	c.RegisterHandler(messaging.EventSubjectRegistered, oc.HandleSubjectRegistered)
	c.RegisterHandler(messaging.EventStageOneSubmitted, oc.HandleStageOneSubmitted)
	return nil
}

// HandleSubjectRegistered starts the workflow and, when candidates are
// supplied, assigns the least loaded reviewer. Redelivery of an event whose
// workflow already exists is acknowledged and never changes the reviewer.
func (oc *OnboardingConsumer) HandleSubjectRegistered(ctx context.Context, event *messaging.Event) error {
	var data messaging.SubjectRegisteredEvent
	if err := event.UnmarshalData(&data); err != nil {
		oc.logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("malformed payload, dropping event")
		return nil
	}

	startDate, err := time.Parse("2006-01-02", data.StartDate)
	if err != nil {
		oc.logger.Warn().Str("subject_id", data.SubjectID).Str("start_date", data.StartDate).Msg("invalid start date, dropping event")
		return nil
	}

	_, err = oc.engine.StartWorkflow(ctx, data.SubjectID, startDate, "")
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrConflict):
		oc.logger.Debug().Str("subject_id", data.SubjectID).Msg("workflow already started")
		// A reviewer set by an earlier delivery stays; an earlier delivery
		// that failed before assigning is finished here.
		existing, err := oc.engine.RecomputeUrgency(ctx, data.SubjectID)
		if err != nil {
			return err
		}
		if existing.AssignedReviewerID != "" {
			return nil
		}
	case errors.Is(err, errors.ErrBadRequest):
		oc.logger.Warn().Err(err).Str("event_id", event.ID).Msg("invalid registration event, dropping")
		return nil
	default:
		return err
	}

	if len(data.ReviewerCandidates) == 0 {
		return nil
	}

	workloads, err := oc.engine.ReviewerWorkloads(ctx, data.ReviewerCandidates)
	if err != nil {
		return err
	}
	if _, err := oc.engine.AssignReviewer(ctx, data.SubjectID, workloads); err != nil {
		if errors.Is(err, errors.ErrBadRequest) {
			return nil
		}
		return err
	}
	return nil
}

// HandleStageOneSubmitted completes stage one. Events for subjects without
// a workflow are logged and acknowledged.
func (oc *OnboardingConsumer) HandleStageOneSubmitted(ctx context.Context, event *messaging.Event) error {
	var data messaging.StageOneSubmittedEvent
	if err := event.UnmarshalData(&data); err != nil {
		oc.logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("malformed payload, dropping event")
		return nil
	}

	_, err := oc.engine.MarkStageComplete(ctx, data.SubjectID, domain.StageOne)
	if errors.Is(err, errors.ErrNotFound) {
		oc.logger.Warn().Str("subject_id", data.SubjectID).Msg("stage one submitted for unknown subject")
		return nil
	}
	return err
}
