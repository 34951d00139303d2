package appointment

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/clinic-operations/internal/redis"
)

func newRedisSequencer(t *testing.T, store Store) *RedisSequencer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisSequencer(redisclient.NewCounter(client, "seq:appointment_number"), store)
}

func storeWithNumber(number string) *memStore {
	s := newMemStore()
	if number != "" {
		id := uuid.New()
		s.appts[id] = Appointment{ID: id, Number: number, CreatedAt: time.Now()}
	}
	return s
}

func TestRedisSequencerContinuesFromLastNumber(t *testing.T) {
	tests := []struct {
		name string
		last string
		want string
	}{
		{"empty table starts at one", "", "1"},
		{"numeric last number", "41", "42"},
		{"unparseable last number", "A-17", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := newRedisSequencer(t, storeWithNumber(tt.last))
			got, err := seq.NextNumber(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisSequencerReseedsAfterKeyLoss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	store := storeWithNumber("41")
	seq := NewRedisSequencer(redisclient.NewCounter(client, "seq:appointment_number"), store)
	ctx := context.Background()

	got, err := seq.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	id := uuid.New()
	store.appts[id] = Appointment{ID: id, Number: "42", CreatedAt: time.Now().Add(time.Second)}

	mr.FlushAll()
	got, err = seq.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "43", got)

	got, err = seq.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "44", got)
}

func TestRedisSequencerConcurrentCallersGetDistinctNumbers(t *testing.T) {
	seq := newRedisSequencer(t, storeWithNumber(""))
	const n = 50

	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := seq.NextNumber(context.Background())
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[num], "number %s issued twice", num)
			seen[num] = true
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[strconv.Itoa(i)], "missing number %d", i)
	}
}

func TestPgSequencer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT nextval").WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(7)))

	got, err := NewPgSequencer(mock).NextNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, int64(0), parseNumber(""))
	assert.Equal(t, int64(0), parseNumber("-3"))
	assert.Equal(t, int64(12), parseNumber(" 12 "))
}
