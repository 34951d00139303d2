// Package settlement runs the periodic billing sweeps: confirming card payments the gateway
// never called back about, and flagging receipts whose due date has passed.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/billing"
	redisclient "github.com/hackgods/clinic-operations/internal/redis"
)

const (
	sweepLockKey   = "settlement:sweep"
	overdueLockKey = "settlement:overdue"
)

type Billing interface {
	SweepPendingCardPayments(ctx context.Context, minAge time.Duration, limit int) (billing.SweepResult, error)
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	SweepSchedule   string
	OverdueSchedule string
	MinAge          time.Duration // pending transactions younger than this are left to the webhook
	BatchSize       int
	RunTimeout      time.Duration
}

// Jobs wraps each run in a Redis lock so only one worker replica sweeps at a time.
type Jobs struct {
	billing Billing
	locker  redisclient.Locker
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func NewJobs(b Billing, locker redisclient.Locker, cfg Config, logger zerolog.Logger) *Jobs {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	return &Jobs{
		billing: b,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Schedule registers both sweeps on c. Runs that overlap a still-running one are skipped.
func (j *Jobs) Schedule(ctx context.Context, c *cron.Cron) error {
	wrap := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger))

	if _, err := c.AddJob(j.cfg.SweepSchedule, wrap.Then(cron.FuncJob(func() { j.SweepPayments(ctx) }))); err != nil {
		return err
	}
	if _, err := c.AddJob(j.cfg.OverdueSchedule, wrap.Then(cron.FuncJob(func() { j.MarkOverdue(ctx) }))); err != nil {
		return err
	}
	return nil
}

// SweepPayments returns false when another replica held the lock or the run failed.
func (j *Jobs) SweepPayments(ctx context.Context) bool {
	start := j.now()
	var res billing.SweepResult

	err := j.run(ctx, sweepLockKey, func(ctx context.Context) error {
		var err error
		res, err = j.billing.SweepPendingCardPayments(ctx, j.cfg.MinAge, j.cfg.BatchSize)
		return err
	})
	if err != nil {
		j.logFailure(err, "payment sweep")
		return false
	}

	j.logger.Info().
		Int("checked", res.Checked).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("unknown", res.Unknown).
		Int("errors", res.Errors).
		Dur("took", time.Since(start)).
		Msg("payment sweep finished")
	return true
}

func (j *Jobs) MarkOverdue(ctx context.Context) bool {
	var marked int

	err := j.run(ctx, overdueLockKey, func(ctx context.Context) error {
		var err error
		marked, err = j.billing.MarkOverdue(ctx, j.now())
		return err
	})
	if err != nil {
		j.logFailure(err, "overdue sweep")
		return false
	}

	j.logger.Info().Int("marked", marked).Msg("overdue sweep finished")
	return true
}

func (j *Jobs) run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, j.cfg.RunTimeout)
	defer cancel()
	return j.locker.WithLock(runCtx, key, fn)
}

func (j *Jobs) logFailure(err error, job string) {
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		j.logger.Debug().Str("job", job).Msg("another worker holds the lock, skipping")
		return
	}
	j.logger.Error().Err(err).Str("job", job).Msg("run failed")
}
