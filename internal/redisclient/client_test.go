package redisclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PulseDispatch/internal/redisclient"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("connects", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)

		client, err := redisclient.Open(ctx, "redis://"+mr.Addr()+"/0", zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
		got, err := mr.Get("k")
		require.NoError(t, err)
		require.Equal(t, "v", got)
	})

	t.Run("rejects other schemes", func(t *testing.T) {
		t.Parallel()

		_, err := redisclient.Open(ctx, "http://localhost:6379", zap.NewNop())
		require.ErrorIs(t, err, redisclient.ErrInvalidURL)
	})

	t.Run("gives up after the connect timeout", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		start := time.Now()
		_, err := redisclient.Open(ctx, "redis://"+addr, zap.NewNop(), func(o *redisclient.Options) {
			o.ConnectTimeout = 300 * time.Millisecond
			o.DialTimeout = 50 * time.Millisecond
		})
		require.ErrorIs(t, err, redisclient.ErrConnectionFailed)
		require.Less(t, time.Since(start), 5*time.Second)
	})
}
