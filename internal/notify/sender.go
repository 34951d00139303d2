// Package notify delivers confirmation messages. Delivery is best-effort: callers never wait on it.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Sender delivers a single message. Implementations can be swapped (SendGrid, RabbitMQ, log).
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Message struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("log sender: would send notification")
	return nil
}
