package appointment

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/db"
	redisclient "github.com/hackgods/clinic-operations/internal/redis"
)

// Sequencer issues appointment numbers. A number is never issued twice; gaps are allowed.
type Sequencer interface {
	NextNumber(ctx context.Context) (string, error)
}

// PgSequencer draws numbers from the appointment_number_seq sequence.
type PgSequencer struct {
	pool db.DBTX
}

func NewPgSequencer(pool db.DBTX) *PgSequencer {
	return &PgSequencer{pool: pool}
}

func (s *PgSequencer) NextNumber(ctx context.Context) (string, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('appointment_number_seq')`).Scan(&n); err != nil {
		return "", apperr.Wrap(apperr.Infrastructure, "next appointment number", err)
	}
	return strconv.FormatInt(n, 10), nil
}

// RedisSequencer draws numbers from an INCR counter. The first call in a process, and any
// call where INCR returns 1 (the key was missing or evicted), raises the counter past the
// most recently stored number so numbering never restarts over existing appointments.
type RedisSequencer struct {
	counter *redisclient.Counter
	last    func(ctx context.Context) (string, error)
	seeded  atomic.Bool
}

func NewRedisSequencer(counter *redisclient.Counter, repo Store) *RedisSequencer {
	return &RedisSequencer{counter: counter, last: repo.LastNumber}
}

func (s *RedisSequencer) NextNumber(ctx context.Context) (string, error) {
	if !s.seeded.Load() {
		n, err := s.nextAboveStored(ctx)
		if err != nil {
			return "", err
		}
		s.seeded.Store(true)
		return strconv.FormatInt(n, 10), nil
	}

	n, err := s.counter.Next(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.Infrastructure, "next appointment number", err)
	}
	if n == 1 {
		if n, err = s.nextAboveStored(ctx); err != nil {
			return "", err
		}
	}
	return strconv.FormatInt(n, 10), nil
}

func (s *RedisSequencer) nextAboveStored(ctx context.Context) (int64, error) {
	last, err := s.last(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Infrastructure, "seed appointment counter", err)
	}
	n, err := s.counter.NextAbove(ctx, parseNumber(last))
	if err != nil {
		return 0, apperr.Wrap(apperr.Infrastructure, "seed appointment counter", err)
	}
	return n, nil
}

// parseNumber reads a stored appointment number. Missing or malformed numbers count as 0,
// so the next issued number is "1".
func parseNumber(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
