package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenExhausted(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 3})

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(Config{RPS: 100, Burst: 1})
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow())
}

func TestLimiter_WaitRespectsCancellation(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
