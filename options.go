package reactor

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// DefaultReadChunk is the per-callback ceiling on bytes read from a stream
// socket.
const DefaultReadChunk = 64 * 1024

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	multiplexer    MultiplexerFactory
	maxDescriptors int
	pollBuffer     int
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection, see EventLoop.Metrics.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMaxDescriptors bounds the number of descriptors tracked by the
// multiplexer. Defaults to [DefaultMaxDescriptors].
func WithMaxDescriptors(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: max descriptors %d", ErrInvalidOption, n)
		}
		opts.maxDescriptors = n
		return nil
	}}
}

// WithPollBuffer sets the number of readiness events retrieved per wait.
// Defaults to [DefaultPollBuffer].
func WithPollBuffer(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: poll buffer %d", ErrInvalidOption, n)
		}
		opts.pollBuffer = n
		return nil
	}}
}

// WithMultiplexer replaces the native multiplexer, e.g. for testing.
func WithMultiplexer(factory MultiplexerFactory) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if factory == nil {
			return fmt.Errorf("%w: nil multiplexer factory", ErrInvalidOption)
		}
		opts.multiplexer = factory
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		multiplexer:    NewMultiplexer,
		maxDescriptors: DefaultMaxDescriptors,
		pollBuffer:     DefaultPollBuffer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Socket Options ---

// socketOptions holds configuration shared by the socket objects.
type socketOptions struct {
	readChunk int
	reuseAddr bool
	reusePort bool
	noDelay   bool
	keepAlive bool
}

// SocketOption configures a TCPAcceptor, TCPSocket or UDPSocket. Options
// that don't apply to a given socket type are ignored.
type SocketOption interface {
	applySocket(*socketOptions) error
}

type socketOptionImpl struct {
	applySocketFunc func(*socketOptions) error
}

func (s *socketOptionImpl) applySocket(opts *socketOptions) error {
	return s.applySocketFunc(opts)
}

// WithReuseAddr sets SO_REUSEADDR before binding. Enabled by default.
func WithReuseAddr(enabled bool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.reuseAddr = enabled
		return nil
	}}
}

// WithReusePort sets SO_REUSEPORT before binding.
func WithReusePort(enabled bool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.reusePort = enabled
		return nil
	}}
}

// WithNoDelay sets TCP_NODELAY on stream connections. For a TCPAcceptor, it
// applies to each accepted descriptor.
func WithNoDelay(enabled bool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.noDelay = enabled
		return nil
	}}
}

// WithKeepAlive sets SO_KEEPALIVE on stream connections. For a TCPAcceptor,
// it applies to each accepted descriptor.
func WithKeepAlive(enabled bool) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.keepAlive = enabled
		return nil
	}}
}

// WithReadChunk bounds the bytes read per read readiness. For UDP sockets it
// is the maximum datagram size received. Defaults to [DefaultReadChunk].
func WithReadChunk(n int) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: read chunk %d", ErrInvalidOption, n)
		}
		opts.readChunk = n
		return nil
	}}
}

func resolveSocketOptions(opts []SocketOption) (*socketOptions, error) {
	cfg := &socketOptions{
		readChunk: DefaultReadChunk,
		reuseAddr: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySocket(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
