// Package events turns compliance notifications into notification.requested
// events for the delivery service.
package events

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/messaging"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

// Notifier requests notifications by publishing events. Rendering and
// delivery belong to the notification service.
type Notifier struct {
	publisher messaging.EventPublisher
	clock     clockwork.Clock
	logger    *logger.Logger
}

// NewNotifier creates a notifier that publishes through publisher
func NewNotifier(publisher messaging.EventPublisher, clock clockwork.Clock, log *logger.Logger) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Notifier{
		publisher: publisher,
		clock:     clock,
		logger:    log.WithComponent("notifier"),
	}
}

// Send asks for template to be delivered to recipient. A returned error means
// the request was not handed off and the caller should retry later.
func (n *Notifier) Send(ctx context.Context, recipient, template string, payload map[string]any) error {
	if recipient == "" {
		metrics.NotificationsSent.WithLabelValues(template, "rejected").Inc()
		return errors.BadRequest("notification recipient is required")
	}

	err := n.publisher.Publish(ctx, messaging.EventNotificationRequested, messaging.NotificationRequestedEvent{
		Recipient:   recipient,
		Template:    template,
		Payload:     payload,
		RequestedAt: n.clock.Now().UTC(),
	})
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(template, "error").Inc()
		return fmt.Errorf("request %s notification: %w", template, err)
	}

	metrics.NotificationsSent.WithLabelValues(template, "requested").Inc()
	n.logger.Debug().Str("recipient", recipient).Str("template", template).Msg("notification requested")
	return nil
}
