package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hireflow/hireflow-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedEvent(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	event, err := NewEvent(eventType, "onboarding-service", "corr-1", data)
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestConsumer_Dispatch(t *testing.T) {
	c := newConsumer(nil, "verification-service.onboarding", logger.Nop())

	var received SubjectRegisteredEvent
	var correlationID string
	c.RegisterHandler(EventSubjectRegistered, func(ctx context.Context, event *Event) error {
		correlationID = getCorrelationID(ctx)
		return event.UnmarshalData(&received)
	})
	c.RegisterHandler(EventStageOneSubmitted, func(ctx context.Context, event *Event) error {
		return errors.New("store unavailable")
	})

	t.Run("handled event is acked", func(t *testing.T) {
		body := encodedEvent(t, EventSubjectRegistered, SubjectRegisteredEvent{SubjectID: "subj-1", StartDate: "2025-01-06"})

		assert.Equal(t, ack, c.dispatch(context.Background(), body, 0))
		assert.Equal(t, "subj-1", received.SubjectID)
		assert.Equal(t, "corr-1", correlationID)
	})

	t.Run("unknown event type is acked", func(t *testing.T) {
		body := encodedEvent(t, "onboarding.subject.archived", map[string]string{})
		assert.Equal(t, ack, c.dispatch(context.Background(), body, 0))
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		assert.Equal(t, reject, c.dispatch(context.Background(), []byte("{not json"), 0))
	})

	t.Run("handler failure is retried until retries run out", func(t *testing.T) {
		body := encodedEvent(t, EventStageOneSubmitted, StageOneSubmittedEvent{SubjectID: "subj-1"})

		assert.Equal(t, retry, c.dispatch(context.Background(), body, 0))
		assert.Equal(t, retry, c.dispatch(context.Background(), body, maxRedeliveries-1))
		assert.Equal(t, reject, c.dispatch(context.Background(), body, maxRedeliveries))
	})
}

func TestGetRetryCount(t *testing.T) {
	assert.Equal(t, 0, getRetryCount(nil))
	assert.Equal(t, 2, getRetryCount(amqp.Table{retryCountHeader: int32(2)}))
	assert.Equal(t, 3, getRetryCount(amqp.Table{retryCountHeader: int64(3)}))

	// x-death is only written on dead-lettering and does not count retries
	deadLettered := amqp.Table{
		"x-death": []interface{}{amqp.Table{"count": int64(2), "queue": "q"}},
	}
	assert.Equal(t, 0, getRetryCount(deadLettered))
}

func TestNextRetryHeaders_CountsUpToDeadLetter(t *testing.T) {
	original := amqp.Table{"trace": "abc"}

	headers := original
	for i := 0; i < maxRedeliveries; i++ {
		headers = nextRetryHeaders(headers)
	}

	assert.Equal(t, maxRedeliveries, getRetryCount(headers))
	assert.Equal(t, "abc", headers["trace"])
	assert.NotContains(t, original, retryCountHeader, "input headers must not be mutated")

	c := newConsumer(nil, "verification-service.onboarding", logger.Nop())
	c.RegisterHandler(EventStageOneSubmitted, func(ctx context.Context, event *Event) error {
		return errors.New("store unavailable")
	})
	body := encodedEvent(t, EventStageOneSubmitted, StageOneSubmittedEvent{SubjectID: "subj-1"})
	assert.Equal(t, reject, c.dispatch(context.Background(), body, getRetryCount(headers)))
}

func TestNewEvent(t *testing.T) {
	event, err := NewEvent(EventStageCompleted, "verification-service", "", StageCompletedEvent{SubjectID: "subj-1", Stage: 2})
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventStageCompleted, event.Type)

	var data StageCompletedEvent
	require.NoError(t, event.UnmarshalData(&data))
	assert.Equal(t, 2, data.Stage)
}
