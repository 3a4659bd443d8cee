package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/storetest"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New("redis", client, ttl), mr
}

func TestCache_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Adapter {
		c, _ := newTestCache(t, time.Hour)
		return c
	}, storetest.Options{})
}

func TestCache_TTL(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, err := c.Write(ctx, storetest.Record(t, "D1", 1, 100))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"D1"))

	mr.FastForward(2 * time.Minute)
	got, err := c.Read(ctx, "D1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entries read as absent")
}

func TestCache_NoTTL(t *testing.T) {
	c, mr := newTestCache(t, 0)

	_, err := c.Write(context.Background(), storetest.Record(t, "D1", 1, 100))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL(keyPrefix+"D1"))
}

func TestCache_StoredShape(t *testing.T) {
	c, mr := newTestCache(t, time.Hour)
	rec := storetest.Record(t, "D1", 3, 100)

	_, err := c.Write(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, "3", mr.HGet(keyPrefix+"D1", "version"))
	assert.Equal(t, rec.Digest, mr.HGet(keyPrefix+"D1", "digest"))
	assert.Contains(t, mr.HGet(keyPrefix+"D1", "record"), `"body":{"amount":100}`)
}

func TestCache_ServerDown(t *testing.T) {
	c, mr := newTestCache(t, time.Hour)
	mr.Close()

	_, err := c.Write(context.Background(), storetest.Record(t, "D1", 1, 1))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrStale)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := Open(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "redis", c.Name())
	assert.Equal(t, store.BestEffort, c.Consistency())
	assert.Equal(t, DefaultTTL, c.ttl)

	_, err = Open(context.Background(), Config{})
	assert.Error(t, err)
}
