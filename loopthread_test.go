//go:build linux || darwin

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopThread_startAndClose(t *testing.T) {
	var initLoop *EventLoop
	lt := NewLoopThread(func(l *EventLoop) {
		initLoop = l
		assert.Equal(t, StateIdle, l.State())
	})

	l, err := lt.Start()
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Same(t, initLoop, l)
	assert.Same(t, l, lt.Loop())
	assert.Equal(t, StateRunning, l.State())

	_, err = lt.Start()
	assert.ErrorIs(t, err, ErrThreadStarted)

	var onLoop bool
	done := make(chan struct{})
	require.NoError(t, l.Invoke(func() {
		onLoop = l.IsInLoopThread()
		close(done)
	}))
	waitClosed(t, done)
	assert.True(t, onLoop)

	require.NoError(t, lt.Close())
	assert.Equal(t, StateStopped, l.State())
	require.NoError(t, lt.Close())
}

func TestLoopThread_closeWithoutStart(t *testing.T) {
	lt := NewLoopThread(nil)
	require.NoError(t, lt.Close())
	assert.Nil(t, lt.Loop())

	_, err := lt.Start()
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestLoopThread_startFailure(t *testing.T) {
	lt := NewLoopThread(nil, WithPollBuffer(0))
	l, err := lt.Start()
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Nil(t, l)
	assert.NoError(t, lt.Close())
}

func TestLoopThread_options(t *testing.T) {
	lt := NewLoopThread(nil, WithMetrics(true))
	l, err := lt.Start()
	require.NoError(t, err)
	defer lt.Close()

	done := make(chan struct{})
	require.NoError(t, l.Invoke(func() { close(done) }))
	waitClosed(t, done)
	assert.NotZero(t, l.Metrics().Tasks)
}

func TestLoopThread_loopStoppedDirectly(t *testing.T) {
	lt := NewLoopThread(nil)
	l, err := lt.Start()
	require.NoError(t, err)

	l.Stop()
	waitClosed(t, l.Done())
	assert.NoError(t, lt.Close())
}
