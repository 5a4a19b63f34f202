package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, delayWithRand(policy, 1, 0))
	assert.Equal(t, 200*time.Millisecond, delayWithRand(policy, 2, 0))
	assert.Equal(t, 400*time.Millisecond, delayWithRand(policy, 3, 0))
}

func TestDelayCapped(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 2}
	assert.Equal(t, 3*time.Second, delayWithRand(policy, 10, 0))
}

func TestDelayJitterBounded(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}

	min := delayWithRand(policy, 2, 0)
	max := delayWithRand(policy, 2, 0.999)
	assert.Equal(t, 2*time.Second, min)
	assert.Greater(t, max, min)
	assert.LessOrEqual(t, max, 3*time.Second)
}

func TestSleepForHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepFor(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepForZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	assert.NoError(t, SleepFor(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
