package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hireflow/hireflow-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxRedeliveries before a failing message is dead-lettered
const maxRedeliveries = 3

// retryCountHeader counts how often a message has been republished after a
// handler failure. The broker's x-death header is only written on
// dead-lettering, never on a plain requeue.
const retryCountHeader = "x-retry-count"

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

type disposition int

const (
	ack disposition = iota
	retry
	reject
)

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	logger    *logger.Logger
}

// NewConsumer creates a new consumer for the given queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return newConsumer(rmq, queueName, log), nil
}

func newConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) *Consumer {
	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}
}

// Subscribe subscribes to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start consumes messages until ctx is cancelled. It returns once the
// delivery loop has stopped.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed")
				return fmt.Errorf("delivery channel for %s closed", c.queueName)
			}
			c.settle(ctx, msg, c.dispatch(ctx, msg.Body, getRetryCount(msg.Headers)))
		}
	}
}

func (c *Consumer) settle(ctx context.Context, msg amqp.Delivery, d disposition) {
	var err error
	switch d {
	case ack:
		err = msg.Ack(false)
	case retry:
		err = c.republish(ctx, msg)
		if err == nil {
			err = msg.Ack(false)
		} else {
			c.logger.Error().Err(err).Str("message_id", msg.MessageId).Msg("failed to republish for retry")
			err = msg.Nack(false, true)
		}
	case reject:
		err = msg.Reject(false)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to settle delivery")
	}
}

// republish puts a copy of msg back on the consumer's queue with its retry
// counter incremented
func (c *Consumer) republish(ctx context.Context, msg amqp.Delivery) error {
	return c.rmq.Channel().PublishWithContext(ctx,
		"",          // default exchange routes by queue name
		c.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			Headers:       nextRetryHeaders(msg.Headers),
			ContentType:   msg.ContentType,
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.MessageId,
			CorrelationId: msg.CorrelationId,
			Timestamp:     msg.Timestamp,
			Body:          msg.Body,
		},
	)
}

// nextRetryHeaders copies headers and increments the retry counter
func nextRetryHeaders(headers amqp.Table) amqp.Table {
	next := amqp.Table{}
	for k, v := range headers {
		next[k] = v
	}
	next[retryCountHeader] = int32(getRetryCount(headers) + 1)
	return next
}

func (c *Consumer) dispatch(ctx context.Context, body []byte, retryCount int) disposition {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal event")
		return reject
	}

	ctx = WithCorrelationID(ctx, event.CorrelationID)

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().
			Str("event_type", event.Type).
			Msg("no handler registered for event type")
		return ack
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Msg("failed to process event")

		if retryCount >= maxRedeliveries {
			c.logger.Warn().
				Str("event_id", event.ID).
				Int("retry_count", retryCount).
				Msg("max retries exceeded, sending to DLQ")
			return reject
		}
		return retry
	}

	return ack
}

func getRetryCount(headers amqp.Table) int {
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
