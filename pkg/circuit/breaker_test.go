package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Timeout: 50 * time.Millisecond}, testLogger())

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, Open, b.State())
	err := b.Execute(func() error { return nil })
	require.Error(t, err)
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond}, testLogger())

	_ = b.Execute(func() error { return errors.New("fail") })
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond}, testLogger())

	_ = b.Execute(func() error { return errors.New("fail") })
	time.Sleep(15 * time.Millisecond)

	err := b.Execute(func() error { return errors.New("fail again") })
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CanExecuteReflectsState(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Hour}, testLogger())
	assert.True(t, b.CanExecute())

	_ = b.Execute(func() error { return errors.New("fail") })
	assert.False(t, b.CanExecute())
}
