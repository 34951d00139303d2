package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// QueueSender publishes messages as JSON to a RabbitMQ queue for a mail worker to deliver.
type QueueSender struct {
	channel publisher
	queue   string
}

func NewQueueSender(conn *amqp091.Connection, queue string) (*QueueSender, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("notify: declare queue %s: %w", queue, err)
	}
	return &QueueSender{channel: ch, queue: queue}, nil
}

func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Headers: amqp091.Table{
			"message_type": "notification",
		},
	}
	if err := s.channel.PublishWithContext(ctx, "", s.queue, false, false, publishing); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", s.queue, err)
	}
	return nil
}
