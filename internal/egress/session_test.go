package egress

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcquirer struct {
	acquireCalls   int32
	keepaliveCalls int32
	revokeCalls    int32
	acquireErr     error
	keepaliveErr   error
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.acquireCalls, 1)
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	return "token-1", nil
}

func (f *fakeAcquirer) Keepalive(ctx context.Context, token string) error {
	atomic.AddInt32(&f.keepaliveCalls, 1)
	return f.keepaliveErr
}

func (f *fakeAcquirer) Revoke(ctx context.Context, token string) error {
	atomic.AddInt32(&f.revokeCalls, 1)
	return nil
}

func TestSessionManager_EnsureSessionAcquiresOnce(t *testing.T) {
	acq := &fakeAcquirer{}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Minute}, acq)

	tok1, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)
	tok2, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.EqualValues(t, 1, acq.acquireCalls)
	assert.Equal(t, SessionActive, sm.State())
}

func TestSessionManager_OnBadSessionForcesReacquisition(t *testing.T) {
	acq := &fakeAcquirer{}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Minute}, acq)

	_, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	sm.OnBadSession()
	assert.Equal(t, SessionUninitialized, sm.State())

	_, err = sm.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, acq.acquireCalls)
}

func TestSessionManager_MaybeKeepaliveSuppressedByRecentUse(t *testing.T) {
	acq := &fakeAcquirer{}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Hour}, acq)

	_, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, sm.MaybeKeepalive(context.Background()))
	assert.EqualValues(t, 0, acq.keepaliveCalls)
}

func TestSessionManager_MaybeKeepaliveFiresWhenIdle(t *testing.T) {
	acq := &fakeAcquirer{}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Millisecond}, acq)

	_, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sm.MaybeKeepalive(context.Background()))
	assert.EqualValues(t, 1, acq.keepaliveCalls)
	assert.Equal(t, SessionActive, sm.State())
}

func TestSessionManager_KeepaliveFailureResetsSession(t *testing.T) {
	acq := &fakeAcquirer{keepaliveErr: errors.New("boom")}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Millisecond}, acq)

	_, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	err = sm.MaybeKeepalive(context.Background())
	require.Error(t, err)
	assert.Equal(t, SessionUninitialized, sm.State())
}

func TestSessionManager_ShutdownRevokesActiveSession(t *testing.T) {
	acq := &fakeAcquirer{}
	sm := NewSessionManager(SessionConfig{IdleThreshold: time.Minute}, acq)

	_, err := sm.EnsureSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.EqualValues(t, 1, acq.revokeCalls)
	assert.Equal(t, SessionRevoked, sm.State())
}
