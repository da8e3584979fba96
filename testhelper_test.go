//go:build linux || darwin

package reactor

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// startLoop runs a new loop on its own goroutine, returning once it is
// running. The loop is stopped on cleanup, and must exit without error.
func startLoop(t *testing.T, opts ...LoopOption) *EventLoop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()

	running := make(chan struct{})
	require.NoError(t, l.InvokeLater(func() { close(running) }))
	waitClosed(t, running)

	t.Cleanup(func() {
		l.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(testTimeout):
			t.Error("loop did not stop")
		}
	})
	return l
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

// onLoop runs fn on the loop goroutine, and waits for it.
func onLoop(t *testing.T, l *EventLoop, fn func()) {
	t.Helper()
	require.NoError(t, l.runSync(func() error {
		fn()
		return nil
	}))
}

// logBuffer collects JSON log lines, written from any goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *logBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func (x *logBuffer) Lines() []string {
	return strings.FieldsFunc(x.String(), func(r rune) bool { return r == '\n' })
}

// newTestLogger returns a debug-level stumpy logger without timestamps.
func newTestLogger() (*logiface.Logger[logiface.Event], *logBuffer) {
	var out logBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(&out),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
	return logger, &out
}
