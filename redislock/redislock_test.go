package redislock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/redislock"
)

func newProvider(t *testing.T, opts ...redislock.Opt) (*redislock.Provider, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client, opts...), srv
}

func TestLockFirstConsumerWins(t *testing.T) {
	provider, _ := newProvider(t)
	msg := message.New("order-1", nil)

	ok, err := provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, ok)

	// a different message ID is unrelated
	ok, err = provider.Lock(context.Background(), message.New("order-1", nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseMakesMessageRetryable(t *testing.T) {
	provider, _ := newProvider(t)
	msg := message.New("order-1", nil)

	ok, err := provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, provider.Release(context.Background(), msg))

	ok, err = provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	provider, srv := newProvider(t, redislock.TTL(time.Minute))
	msg := message.New("order-1", nil)

	ok, err := provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Minute)

	ok, err = provider.Lock(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrefixKeepsKeysApart(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	orders := redislock.New(client, redislock.Prefix("orders:"))
	payments := redislock.New(client, redislock.Prefix("payments:"))
	msg := message.New("order-1", nil)

	ok, err := orders.Lock(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = payments.Lock(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, srv.Exists("orders:"+msg.ID))
	assert.True(t, srv.Exists("payments:"+msg.ID))
}

func TestLockOnClosedServer(t *testing.T) {
	provider, srv := newProvider(t)
	srv.Close()

	_, err := provider.Lock(context.Background(), message.New("order-1", nil))
	assert.Error(t, err)
}
