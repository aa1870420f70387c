package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLeaseSingleHolder(t *testing.T) {
	lease := NewLocalLease()
	ctx := context.Background()

	acquired, err := lease.Acquire(ctx, "queue", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lease.Acquire(ctx, "queue", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired, "held lease must not be re-acquired")

	require.NoError(t, lease.Release(ctx, "queue"))

	acquired, err = lease.Acquire(ctx, "queue", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLocalLeaseExpires(t *testing.T) {
	lease := NewLocalLease()
	ctx := context.Background()

	acquired, err := lease.Acquire(ctx, "queue", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(20 * time.Millisecond)

	acquired, err = lease.Acquire(ctx, "queue", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired, "expired lease must be re-acquirable")
}

func TestLocalLeaseIndependentKeys(t *testing.T) {
	lease := NewLocalLease()
	ctx := context.Background()

	acquired, err := lease.Acquire(ctx, "queue-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lease.Acquire(ctx, "queue-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}
