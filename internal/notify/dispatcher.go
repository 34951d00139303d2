package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/metrics"
)

// Dispatcher sends messages in the background under a timeout.
// Failures are logged and counted, never returned.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Recorder
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, timeout time.Duration, logger zerolog.Logger, m *metrics.Recorder) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

func (d *Dispatcher) Dispatch(msg Message) {
	if d == nil || d.sender == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.metrics.ObserveNotification("panic")
				d.logger.Error().Interface("panic", r).Str("to", msg.To).Msg("notification sender panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sender.Send(ctx, msg); err != nil {
			d.metrics.ObserveNotification("failed")
			d.logger.Warn().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("notification failed")
			return
		}
		d.metrics.ObserveNotification("sent")
	}()
}

// Wait blocks until in-flight sends finish. Used during shutdown.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
