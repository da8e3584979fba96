//go:build linux || darwin

package reactor

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/joeycumines/go-reactor/buffer"
	"github.com/joeycumines/go-reactor/socket"
	"golang.org/x/sys/unix"
)

// TCPState is the connection state of a [TCPSocket].
//
//	TCPUnconnected → TCPConnecting → TCPConnected → TCPDisconnected
//
// TCPDisconnected is terminal, reconnecting requires a new TCPSocket.
type TCPState uint32

const (
	TCPUnconnected TCPState = iota
	TCPConnecting
	TCPConnected
	TCPDisconnected
)

func (s TCPState) String() string {
	switch s {
	case TCPUnconnected:
		return "Unconnected"
	case TCPConnecting:
		return "Connecting"
	case TCPConnected:
		return "Connected"
	case TCPDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

type (
	// ConnectCallback receives the outcome of [TCPSocket.Connect].
	ConnectCallback func(c *TCPSocket, err error)

	// ReceiveCallback receives the inbound buffer, after each read. Bytes
	// not consumed (retrieved) remain buffered for the next call.
	ReceiveCallback func(c *TCPSocket, in *buffer.Buffer)

	// CloseCallback is called exactly once, when a connecting or connected
	// socket becomes disconnected, with nil for an orderly close.
	CloseCallback func(c *TCPSocket, err error)

	// WriteCompleteCallback is called each time the outbound buffer is
	// fully flushed.
	WriteCompleteCallback func(c *TCPSocket)

	// HighWaterMarkCallback is called each time the outbound buffer rises
	// past the mark.
	HighWaterMarkCallback func(c *TCPSocket, buffered int)
)

// TCPSocket is a non-blocking TCP connection bound to an [EventLoop].
//
// Callback setters must be called before [TCPSocket.Start] or
// [TCPSocket.Connect], or on the loop goroutine. All other methods are safe
// to call from any goroutine.
type TCPSocket struct {
	loop            *EventLoop
	opts            *socketOptions
	sock            *socket.Socket
	handler         *EventHandler
	in              *buffer.Buffer
	out             *buffer.Buffer
	onConnect       ConnectCallback
	onReceive       ReceiveCallback
	onClose         CloseCallback
	onWriteComplete WriteCompleteCallback
	onHighWater     HighWaterMarkCallback
	peer            netip.AddrPort
	highWaterMark   int
	state           atomic.Uint32
	shutdownPending bool
}

// NewTCPSocket returns an unconnected socket, see [TCPSocket.Connect].
func NewTCPSocket(loop *EventLoop, opts ...SocketOption) (*TCPSocket, error) {
	cfg, err := resolveSocketOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TCPSocket{
		loop: loop,
		opts: cfg,
		in:   buffer.New(),
		out:  buffer.New(),
	}, nil
}

// NewTCPSocketFromFD takes ownership of a connected descriptor, typically
// from an [AcceptCallback]. Reading begins on [TCPSocket.Start]. The
// descriptor is closed on error.
func NewTCPSocketFromFD(loop *EventLoop, fd int, opts ...SocketOption) (*TCPSocket, error) {
	c, err := NewTCPSocket(loop, opts...)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c.sock = socket.FromFD(fd)
	if err := c.sock.SetNonblock(true); err != nil {
		_ = c.sock.Close()
		return nil, err
	}
	c.applyOptions()
	if peer, err := c.sock.PeerAddr(); err == nil {
		c.peer = peer
	}
	c.setState(TCPConnected)
	return c, nil
}

func (c *TCPSocket) applyOptions() {
	if c.opts.noDelay {
		_ = c.sock.SetNoDelay(true)
	}
	if c.opts.keepAlive {
		_ = c.sock.SetKeepAlive(true)
	}
}

func (c *TCPSocket) SetConnectCallback(fn ConnectCallback) { c.onConnect = fn }

func (c *TCPSocket) SetReceiveCallback(fn ReceiveCallback) { c.onReceive = fn }

func (c *TCPSocket) SetCloseCallback(fn CloseCallback) { c.onClose = fn }

func (c *TCPSocket) SetWriteCompleteCallback(fn WriteCompleteCallback) { c.onWriteComplete = fn }

// SetHighWaterMark sets a callback, fired each time the outbound buffer
// rises past n bytes. A mark <= 0 disables it.
func (c *TCPSocket) SetHighWaterMark(n int, fn HighWaterMarkCallback) {
	c.highWaterMark = n
	c.onHighWater = fn
}

func (c *TCPSocket) Loop() *EventLoop { return c.loop }

func (c *TCPSocket) State() TCPState { return TCPState(c.state.Load()) }

func (c *TCPSocket) setState(s TCPState) { c.state.Store(uint32(s)) }

// Connected reports whether the state is TCPConnected.
func (c *TCPSocket) Connected() bool { return c.State() == TCPConnected }

// FD returns the descriptor, or [socket.InvalidFD].
func (c *TCPSocket) FD() int {
	fd := socket.InvalidFD
	_ = c.loop.runSync(func() error {
		fd = c.sock.FD()
		return nil
	})
	return fd
}

// LocalAddr returns the local address of the connection.
func (c *TCPSocket) LocalAddr() (addr netip.AddrPort, err error) {
	err = c.loop.runSync(func() error {
		if c.sock == nil {
			return ErrNotConnected
		}
		addr, err = c.sock.LocalAddr()
		return err
	})
	return
}

// PeerAddr returns the remote address of the connection.
func (c *TCPSocket) PeerAddr() (addr netip.AddrPort, err error) {
	err = c.loop.runSync(func() error {
		if !c.peer.IsValid() {
			return ErrNotConnected
		}
		addr = c.peer
		return nil
	})
	return
}

// SetNoDelay sets TCP_NODELAY, now if connected, else on connect.
func (c *TCPSocket) SetNoDelay(on bool) error {
	return c.loop.runSync(func() error {
		c.opts.noDelay = on
		if c.sock == nil || c.sock.Closed() {
			return nil
		}
		return c.sock.SetNoDelay(on)
	})
}

// SetKeepAlive sets SO_KEEPALIVE, now if connected, else on connect.
func (c *TCPSocket) SetKeepAlive(on bool) error {
	return c.loop.runSync(func() error {
		c.opts.keepAlive = on
		if c.sock == nil || c.sock.Closed() {
			return nil
		}
		return c.sock.SetKeepAlive(on)
	})
}

// Start begins reading on a socket created by [NewTCPSocketFromFD].
func (c *TCPSocket) Start() error {
	return c.loop.runSync(func() error {
		if c.State() != TCPConnected {
			return ErrNotConnected
		}
		c.ensureHandler()
		if err := c.handler.EnableReading(); err != nil {
			c.handleClose(err)
			return err
		}
		c.loop.logger.Debug().
			Uint64(`loop_id`, c.loop.id).
			Int(`fd`, c.sock.FD()).
			Stringer(`peer`, c.peer).
			Log(`tcp connection established`)
		return nil
	})
}

// Connect issues a non-blocking connect to addr. The outcome is delivered
// to the connect callback, from the loop. Errors detected immediately are
// returned directly, and no callbacks are invoked.
func (c *TCPSocket) Connect(addr netip.AddrPort) error {
	return c.loop.runSync(func() error {
		if c.State() != TCPUnconnected {
			return ErrInvalidState
		}

		sock, err := socket.NewFor(addr, socket.Stream)
		if err != nil {
			return err
		}
		if err := sock.SetNonblock(true); err != nil {
			_ = sock.Close()
			return err
		}
		c.sock, c.peer = sock, addr
		c.applyOptions()

		if err := sock.Connect(addr); err != nil && !socket.IsInProgress(err) && !errors.Is(err, unix.EINTR) {
			c.setState(TCPDisconnected)
			c.teardown()
			return err
		}
		c.setState(TCPConnecting)

		// completion, including an immediate success, is observed via
		// writability, and failure via either
		c.ensureHandler()
		err = c.handler.EnableReading()
		if err == nil {
			err = c.handler.EnableWriting()
		}
		if err != nil {
			c.setState(TCPDisconnected)
			c.teardown()
			return err
		}
		return nil
	})
}

func (c *TCPSocket) ensureHandler() {
	if c.handler == nil {
		c.handler = NewEventHandler(c.loop, c.sock.FD())
		c.handler.SetReadCallback(c.handleRead)
		c.handler.SetWriteCallback(c.handleWrite)
	}
}

func (c *TCPSocket) finishConnect() {
	if err := c.sock.Error(); err != nil {
		if c.onConnect != nil {
			c.onConnect(c, err)
		}
		c.handleClose(err)
		return
	}

	c.setState(TCPConnected)
	if peer, err := c.sock.PeerAddr(); err == nil {
		c.peer = peer
	}
	if c.out.Readable() == 0 {
		_ = c.handler.DisableWriting()
	}

	c.loop.logger.Debug().
		Uint64(`loop_id`, c.loop.id).
		Int(`fd`, c.sock.FD()).
		Stringer(`peer`, c.peer).
		Log(`tcp connection established`)

	if c.onConnect != nil {
		c.onConnect(c, nil)
	}
}

func (c *TCPSocket) handleRead() {
	switch c.State() {
	case TCPConnecting:
		c.finishConnect()
		return
	case TCPConnected:
	default:
		return
	}

	n, err := c.in.ReadFunc(c.sock.Recv, c.opts.readChunk)
	switch {
	case err != nil && socket.IsTransient(err):
	case err != nil:
		c.handleClose(err)
	case n == 0:
		c.handleClose(nil)
	case c.onReceive != nil:
		c.onReceive(c, c.in)
	default:
		c.in.RetrieveAll()
	}
}

func (c *TCPSocket) handleWrite() {
	switch c.State() {
	case TCPConnecting:
		c.finishConnect()
		return
	case TCPConnected:
	default:
		return
	}

	if c.out.Readable() != 0 {
		n, err := c.sock.Send(c.out.Peek())
		if err != nil {
			if !socket.IsTransient(err) {
				c.handleClose(err)
			}
			return
		}
		c.out.Retrieve(n)
		if c.out.Readable() != 0 {
			return
		}
		if c.onWriteComplete != nil {
			c.onWriteComplete(c)
		}
		if c.State() != TCPConnected || c.out.Readable() != 0 {
			return
		}
	}

	_ = c.handler.DisableWriting()
	if c.shutdownPending {
		c.shutdownWrite()
	}
}

// Send copies p, and sends it, in order with all other sends. On the loop
// goroutine the write is attempted immediately. Elsewhere it is marshalled
// to the loop.
func (c *TCPSocket) Send(p []byte) error {
	if c.State() != TCPConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopThread() {
		return c.sendInLoop(p)
	}
	return c.sendLater(buffer.FromBytes(p))
}

// SendString is the string variant of [TCPSocket.Send].
func (c *TCPSocket) SendString(s string) error {
	if c.State() != TCPConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopThread() {
		return c.sendInLoop([]byte(s))
	}
	b := buffer.NewSize(len(s))
	b.AppendString(s)
	return c.sendLater(b)
}

// SendBuffer sends the readable bytes of b, taking ownership of it. The
// caller must not touch b again, even on error.
func (c *TCPSocket) SendBuffer(b *buffer.Buffer) error {
	if c.State() != TCPConnected {
		b.Release()
		return ErrNotConnected
	}
	if c.loop.IsInLoopThread() {
		err := c.sendInLoop(b.Peek())
		b.Release()
		return err
	}
	return c.sendLater(b)
}

func (c *TCPSocket) sendLater(b *buffer.Buffer) error {
	err := c.loop.post(func() {
		_ = c.sendInLoop(b.Peek())
		b.Release()
	})
	if err != nil {
		b.Release()
	}
	return err
}

func (c *TCPSocket) sendInLoop(p []byte) error {
	if c.State() != TCPConnected {
		c.loop.logger.Debug().
			Uint64(`loop_id`, c.loop.id).
			Int(`bytes`, len(p)).
			Log(`tcp send dropped, not connected`)
		return ErrNotConnected
	}
	if c.shutdownPending {
		return ErrInvalidState
	}
	if len(p) == 0 {
		return nil
	}
	c.ensureHandler()

	var written int
	if !c.handler.IsWriting() && c.out.Readable() == 0 {
		n, err := c.sock.Send(p)
		if err != nil {
			if !socket.IsTransient(err) {
				c.handleClose(err)
				return err
			}
		} else {
			written = n
		}
		if written == len(p) {
			if c.onWriteComplete != nil {
				_ = c.loop.InvokeLater(func() { c.onWriteComplete(c) })
			}
			return nil
		}
	}

	before := c.out.Readable()
	c.out.Append(p[written:])
	if after := c.out.Readable(); c.onHighWater != nil && c.highWaterMark > 0 &&
		before < c.highWaterMark && after >= c.highWaterMark {
		c.onHighWater(c, after)
	}

	if c.State() == TCPConnected && !c.handler.IsWriting() {
		if err := c.handler.EnableWriting(); err != nil {
			c.handleClose(err)
			return err
		}
	}
	return nil
}

// Shutdown half-closes the connection, once all buffered output has been
// flushed. Further sends fail, but receiving continues until the peer
// closes.
func (c *TCPSocket) Shutdown() error {
	return c.loop.runSync(func() error {
		if c.State() != TCPConnected {
			return ErrNotConnected
		}
		if c.shutdownPending {
			return nil
		}
		c.shutdownPending = true
		c.ensureHandler()
		if !c.handler.IsWriting() {
			c.shutdownWrite()
		}
		return nil
	})
}

func (c *TCPSocket) shutdownWrite() {
	if err := c.sock.ShutdownWrite(); err != nil {
		c.loop.logger.Debug().
			Uint64(`loop_id`, c.loop.id).
			Int(`fd`, c.sock.FD()).
			Err(err).
			Log(`tcp shutdown failed`)
	}
}

// Disconnect closes the connection immediately, discarding any buffered
// data. The close callback receives nil. It is idempotent.
func (c *TCPSocket) Disconnect() error {
	return c.loop.runSync(func() error {
		if c.State() == TCPUnconnected {
			c.setState(TCPDisconnected)
			return nil
		}
		c.handleClose(nil)
		return nil
	})
}

// Close is equivalent to [TCPSocket.Disconnect].
func (c *TCPSocket) Close() error { return c.Disconnect() }

// handleClose transitions to TCPDisconnected, releasing everything, then
// calls the close callback. It runs at most once.
func (c *TCPSocket) handleClose(err error) {
	if c.State() == TCPDisconnected {
		return
	}
	c.setState(TCPDisconnected)

	fd := c.sock.FD()
	c.teardown()

	if b := c.loop.logger.Debug(); b.Enabled() {
		b = b.Uint64(`loop_id`, c.loop.id).
			Int(`fd`, fd).
			Stringer(`peer`, c.peer)
		if err != nil {
			b = b.Err(err)
		}
		b.Log(`tcp connection closed`)
	}

	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// teardown detaches the handler before closing the descriptor, so the
// dispatcher never maps a closed descriptor.
func (c *TCPSocket) teardown() {
	if c.handler != nil {
		c.handler.Detach()
	}
	if c.sock != nil {
		_ = c.sock.Close()
	}
	c.in.Release()
	c.out.Release()
	c.shutdownPending = false
}
