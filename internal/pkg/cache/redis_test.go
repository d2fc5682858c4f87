package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_SetGetExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "payment:verify:A1", []byte(`{"status":"SUCCESS"}`), time.Minute))
	raw, err := c.Get(ctx, "payment:verify:A1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(raw))

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "payment:verify:A1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCache_DeleteByPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	for _, k := range []string{"inventory:availability:1", "inventory:availability:2", "payment:idem:1"} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), 0))
	}
	require.NoError(t, c.DeleteByPrefix(ctx, "inventory:availability:"))

	assert.False(t, mr.Exists("inventory:availability:1"))
	assert.False(t, mr.Exists("inventory:availability:2"))
	assert.True(t, mr.Exists("payment:idem:1"))
}

func TestJSONHelpers(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	type snapshot struct {
		Available int64 `json:"available"`
	}
	var out snapshot
	hit, err := GetJSON(ctx, c, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, SetJSON(ctx, c, "k", snapshot{Available: 6}, time.Minute))
	hit, err = GetJSON(ctx, c, "k", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(6), out.Available)
}
