package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30*time.Second, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
		assert.Equal(t, 10*time.Second, policy.StallTolerance())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(0, time.Second)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})

	t.Run("negative tolerance clamps to zero", func(t *testing.T) {
		policy, err := NewLeasePolicy(time.Second, -time.Second)
		require.NoError(t, err)
		assert.Zero(t, policy.StallTolerance())
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30*time.Second, 0)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, policy.Resolve(45*time.Second+300*time.Millisecond))
	assert.Equal(t, 30*time.Second, policy.Resolve(0), "zero uses the default")
	assert.Equal(t, MinLease, policy.Resolve(500*time.Millisecond))
	assert.Equal(t, MinLease, policy.Resolve(-time.Minute))
	assert.Equal(t, 10*time.Second, policy.HeartbeatInterval(30*time.Second))
}

func TestLeasePolicy_Stalled(t *testing.T) {
	policy, err := NewLeasePolicy(30*time.Second, 15*time.Second)
	require.NoError(t, err)

	leaseUntil := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, policy.Stalled(leaseUntil, leaseUntil.Add(10*time.Second)), "inside tolerance")
	assert.False(t, policy.Stalled(leaseUntil, leaseUntil.Add(15*time.Second)), "deadline itself is not stalled")
	assert.True(t, policy.Stalled(leaseUntil, leaseUntil.Add(16*time.Second)))
}
