package doctors

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	doctor *Doctor
	calls  int
}

func (s *countingSource) Get(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	s.calls++
	return s.doctor, nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestCacheReadThrough(t *testing.T) {
	id := uuid.New()
	src := &countingSource{doctor: &Doctor{ID: id, Name: "Dr. Vega", SlotMinutes: 20}}
	cache := NewCache(src, newTestRedis(t), time.Minute)

	ctx := context.Background()
	first, err := cache.Get(ctx, id)
	require.NoError(t, err)
	second, err := cache.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "Dr. Vega", first.Name)
	assert.Equal(t, "Dr. Vega", second.Name)
	assert.Equal(t, 1, src.calls, "second read should be served from cache")
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	id := uuid.New()
	src := &countingSource{doctor: &Doctor{ID: id, Name: "Dr. Vega"}}
	cache := NewCache(src, newTestRedis(t), time.Minute)

	ctx := context.Background()
	_, err := cache.Get(ctx, id)
	require.NoError(t, err)

	cache.Invalidate(ctx, id)

	_, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCacheWithoutRedisFallsThrough(t *testing.T) {
	id := uuid.New()
	src := &countingSource{doctor: &Doctor{ID: id}}
	cache := NewCache(src, nil, time.Minute)

	_, err := cache.Get(context.Background(), id)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
