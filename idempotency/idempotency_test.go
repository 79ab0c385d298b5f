package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/idempotency"
)

func TestInMemoryStoreClaimIsOneWinner(t *testing.T) {
	s := idempotency.NewInMemoryStore()
	ctx := context.Background()

	claimed, runID, err := s.Claim(ctx, "key-1", "run-a", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "run-a", runID)

	claimed, runID, err = s.Claim(ctx, "key-1", "run-b", time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "run-a", runID, "retried submission must observe the first run, not create a second")
}

func TestInMemoryStoreClaimExpiresAfterTTL(t *testing.T) {
	s := idempotency.NewInMemoryStore()
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "key-2", "run-a", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, runID, err := s.Claim(ctx, "key-2", "run-b", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "run-b", runID)
}
