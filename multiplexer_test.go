//go:build linux || darwin

package reactor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func newSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	p, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func newTestMultiplexer(t *testing.T, maxDescriptors int) Multiplexer {
	t.Helper()
	m, err := NewMultiplexer(maxDescriptors, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMultiplexer_pollReturnsImmediately(t *testing.T) {
	m := newTestMultiplexer(t, 0)
	r, _ := newPipe(t)
	require.NoError(t, m.SetInterest(r, EventRead))

	start := time.Now()
	ready, err := m.Wait(0, nil)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMultiplexer_readiness(t *testing.T) {
	m := newTestMultiplexer(t, 0)
	r, w := newPipe(t)
	require.NoError(t, m.SetInterest(r, EventRead))
	require.NoError(t, m.SetInterest(w, EventWrite))
	assert.Equal(t, 2, m.Len())

	ready, err := m.Wait(time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []Readiness{{FD: w, Events: EventWrite}}, ready)

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	ready, err = m.Wait(time.Second, ready[:0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []Readiness{
		{FD: r, Events: EventRead},
		{FD: w, Events: EventWrite},
	}, ready)

	// level-triggered: still readable until drained
	ready, err = m.Wait(time.Second, ready[:0])
	require.NoError(t, err)
	assert.Contains(t, ready, Readiness{FD: r, Events: EventRead})
}

func TestMultiplexer_reRegistrationReplacesMask(t *testing.T) {
	m := newTestMultiplexer(t, 0)
	w, _ := newSocketPair(t)

	require.NoError(t, m.SetInterest(w, EventWrite))
	require.NoError(t, m.SetInterest(w, EventWrite))
	require.NoError(t, m.SetInterest(w, EventRead))
	assert.Equal(t, 1, m.Len())

	ready, err := m.Wait(0, nil)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, m.SetInterest(w, EventNone))
	assert.Equal(t, 0, m.Len())
}

func TestMultiplexer_removeUnknown(t *testing.T) {
	m := newTestMultiplexer(t, 0)
	r, _ := newPipe(t)
	assert.NoError(t, m.Remove(r))
	assert.NoError(t, m.Remove(1<<20))
	assert.NoError(t, m.Remove(-1))
}

func TestMultiplexer_tooManyDescriptors(t *testing.T) {
	m := newTestMultiplexer(t, 1)
	r, w := newPipe(t)
	require.NoError(t, m.SetInterest(r, EventRead))
	assert.ErrorIs(t, m.SetInterest(w, EventWrite), ErrTooManyDescriptors)
	// modifying a tracked descriptor is still allowed
	assert.NoError(t, m.SetInterest(r, EventRead|EventWrite))
	assert.ErrorIs(t, m.SetInterest(-1, EventRead), ErrBadDescriptor)
}

func TestMultiplexer_closed(t *testing.T) {
	m, err := NewMultiplexer(0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	r, _ := newPipe(t)
	assert.ErrorIs(t, m.SetInterest(r, EventRead), ErrMultiplexerClosed)
	_, err = m.Wait(0, nil)
	assert.ErrorIs(t, err, ErrMultiplexerClosed)
}

func TestMultiplexer_hangupIsReadable(t *testing.T) {
	m := newTestMultiplexer(t, 0)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	require.NoError(t, m.SetInterest(p[0], EventRead))
	require.NoError(t, unix.Close(p[1]))

	ready, err := m.Wait(time.Second, nil)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, p[0], ready[0].FD)
	assert.NotZero(t, ready[0].Events&EventRead)
}

func TestTimeoutMillis(t *testing.T) {
	assert.Equal(t, -1, timeoutMillis(-time.Nanosecond))
	assert.Equal(t, 0, timeoutMillis(0))
	assert.Equal(t, 1, timeoutMillis(time.Nanosecond))
	assert.Equal(t, 1, timeoutMillis(time.Millisecond))
	assert.Equal(t, 2, timeoutMillis(time.Millisecond+1))
	assert.Equal(t, math.MaxInt32, timeoutMillis(math.MaxInt64))
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, time.Duration(-1), remaining(-1, time.Time{}))
	assert.Equal(t, time.Duration(0), remaining(time.Second, time.Now().Add(-time.Second)))
	assert.Greater(t, remaining(time.Hour, time.Now().Add(time.Hour)), time.Minute)
}
