package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Compliance events
	EventWorkflowStarted  = "compliance.workflow.started"
	EventStageCompleted   = "compliance.stage.completed"
	EventReviewerAssigned = "compliance.reviewer.assigned"

	// Notification events, delivered by the notification service
	EventNotificationRequested = "notification.requested"

	// Onboarding events, published by the onboarding service
	EventSubjectRegistered = "onboarding.subject.registered"
	EventStageOneSubmitted = "onboarding.stage_one.submitted"
)

// Exchange names
const (
	ExchangeComplianceEvents   = "compliance.events"
	ExchangeNotificationEvents = "notification.events"
	ExchangeOnboardingEvents   = "onboarding.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Compliance Events

// WorkflowStartedEvent is published when a subject's verification workflow starts
type WorkflowStartedEvent struct {
	SubjectID        string    `json:"subject_id"`
	StartDate        string    `json:"start_date"`
	StageTwoDeadline string    `json:"stage_two_deadline"`
	ReviewerID       string    `json:"reviewer_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// StageCompletedEvent is published the first time a stage is completed
type StageCompletedEvent struct {
	SubjectID   string    `json:"subject_id"`
	Stage       int       `json:"stage"`
	Deadline    string    `json:"deadline"`
	CompletedAt time.Time `json:"completed_at"`
	OnTime      bool      `json:"on_time"`
}

// ReviewerAssignedEvent is published when a reviewer takes over stage two
type ReviewerAssignedEvent struct {
	SubjectID  string    `json:"subject_id"`
	ReviewerID string    `json:"reviewer_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Notification Events

// Notification template kinds
const (
	TemplateDeadlineReminder     = "deadline_reminder"
	TemplateReviewerDailySummary = "reviewer_daily_summary"
)

// NotificationRequestedEvent asks the notification service to deliver a message
type NotificationRequestedEvent struct {
	Recipient   string         `json:"recipient"`
	Template    string         `json:"template"`
	Payload     map[string]any `json:"payload"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Onboarding Events

// SubjectRegisteredEvent is consumed to open a compliance workflow
type SubjectRegisteredEvent struct {
	SubjectID          string   `json:"subject_id"`
	StartDate          string   `json:"start_date"`
	ReviewerCandidates []string `json:"reviewer_candidates,omitempty"`
}

// StageOneSubmittedEvent is consumed when the subject finishes their part
type StageOneSubmittedEvent struct {
	SubjectID   string    `json:"subject_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.New().String()
}
