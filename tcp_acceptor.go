//go:build linux || darwin

package reactor

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-reactor/socket"
	"golang.org/x/sys/unix"
)

// AcceptCallback receives each accepted connection. The descriptor is
// non-blocking and close-on-exec, and ownership passes to the callback, e.g.
// via [NewTCPSocketFromFD].
type AcceptCallback func(fd int, peer netip.AddrPort)

// acceptWarnRates limits warnings logged for failed accepts.
var acceptWarnRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// TCPAcceptor accepts connections on a listening socket, one per read
// readiness.
//
// Callbacks must be set before Open.
type TCPAcceptor struct {
	loop      *EventLoop
	opts      *socketOptions
	onAccept  AcceptCallback
	onError   func(error)
	limiter   *catrate.Limiter
	sock      *socket.Socket
	handler   *EventHandler
	addr      netip.AddrPort
	idleFD    int
	listening atomic.Bool
}

// NewTCPAcceptor returns an acceptor bound to loop. If cb is nil, accepted
// connections are closed immediately.
func NewTCPAcceptor(loop *EventLoop, cb AcceptCallback, opts ...SocketOption) (*TCPAcceptor, error) {
	cfg, err := resolveSocketOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TCPAcceptor{
		loop:     loop,
		opts:     cfg,
		onAccept: cb,
		limiter:  catrate.NewLimiter(acceptWarnRates),
		idleFD:   socket.InvalidFD,
	}, nil
}

// SetErrorCallback sets the callback for accept failures that are not
// transient, including resource exhaustion. The acceptor keeps listening.
func (a *TCPAcceptor) SetErrorCallback(fn func(error)) { a.onError = fn }

// Open binds and listens on the calling goroutine, so that errors such as
// an address in use are returned directly, then enables read interest on the
// loop. A backlog <= 0 means SOMAXCONN.
func (a *TCPAcceptor) Open(addr netip.AddrPort, backlog int) error {
	if a.sock != nil {
		return ErrAlreadyOpen
	}

	sock, err := socket.NewFor(addr, socket.Stream)
	if err != nil {
		return err
	}
	if err := a.listen(sock, addr, backlog); err != nil {
		_ = sock.Close()
		return err
	}
	local, err := sock.LocalAddr()
	if err != nil {
		_ = sock.Close()
		return err
	}
	idleFD, err := openIdleFD()
	if err != nil {
		_ = sock.Close()
		return err
	}

	a.sock, a.addr, a.idleFD = sock, local, idleFD

	if err := a.loop.runSync(func() error {
		a.handler = NewEventHandler(a.loop, sock.FD())
		a.handler.SetReadCallback(a.handleRead)
		return a.handler.EnableReading()
	}); err != nil {
		_ = unix.Close(idleFD)
		_ = sock.Close()
		a.sock, a.idleFD = nil, socket.InvalidFD
		return err
	}

	a.listening.Store(true)

	a.loop.logger.Debug().
		Uint64(`loop_id`, a.loop.id).
		Stringer(`addr`, local).
		Log(`tcp acceptor listening`)

	return nil
}

func (a *TCPAcceptor) listen(sock *socket.Socket, addr netip.AddrPort, backlog int) error {
	if a.opts.reuseAddr {
		if err := sock.SetReuseAddr(true); err != nil {
			return err
		}
	}
	if a.opts.reusePort {
		if err := sock.SetReusePort(true); err != nil {
			return err
		}
	}
	if err := sock.SetNonblock(true); err != nil {
		return err
	}
	if err := sock.Bind(addr); err != nil {
		return err
	}
	return sock.Listen(backlog)
}

// Addr returns the bound address, which will have a real port even if
// opened on port 0.
func (a *TCPAcceptor) Addr() netip.AddrPort { return a.addr }

// Listening reports whether the acceptor is open.
func (a *TCPAcceptor) Listening() bool { return a.listening.Load() }

// Loop returns the loop the acceptor is bound to.
func (a *TCPAcceptor) Loop() *EventLoop { return a.loop }

func (a *TCPAcceptor) handleRead() {
	fd, peer, err := a.sock.Accept()
	if err != nil {
		a.handleAcceptError(err)
		return
	}

	if a.opts.noDelay || a.opts.keepAlive {
		conn := socket.FromFD(fd)
		if a.opts.noDelay {
			_ = conn.SetNoDelay(true)
		}
		if a.opts.keepAlive {
			_ = conn.SetKeepAlive(true)
		}
	}

	if a.onAccept == nil {
		_ = unix.Close(fd)
		return
	}

	a.onAccept(fd, peer)
}

func (a *TCPAcceptor) handleAcceptError(err error) {
	switch {
	case socket.IsTransient(err), errors.Is(err, unix.ECONNABORTED):
		// nothing was pending, or the peer gave up
		return
	case socket.IsResourceExhausted(err):
		a.shedPending()
	}

	if _, ok := a.limiter.Allow(`accept`); ok {
		a.loop.logger.Warning().
			Uint64(`loop_id`, a.loop.id).
			Stringer(`addr`, a.addr).
			Err(err).
			Log(`tcp acceptor failed to accept`)
	}

	if a.onError != nil {
		a.onError(err)
	}
}

// shedPending uses the reserved descriptor to accept and immediately close
// the pending connection, since otherwise the listener would remain readable
// and spin the loop.
func (a *TCPAcceptor) shedPending() {
	if a.idleFD < 0 {
		return
	}
	_ = unix.Close(a.idleFD)
	if fd, _, err := a.sock.Accept(); err == nil {
		_ = unix.Close(fd)
	}
	a.idleFD, _ = openIdleFD()
}

// Close stops listening, and closes the listening socket. It is safe to call
// from any goroutine, and is idempotent.
func (a *TCPAcceptor) Close() error {
	return a.loop.runSync(func() error {
		if a.sock == nil || a.sock.Closed() {
			return nil
		}
		a.listening.Store(false)
		if a.handler != nil {
			a.handler.Detach()
		}
		if a.idleFD >= 0 {
			_ = unix.Close(a.idleFD)
			a.idleFD = socket.InvalidFD
		}
		return a.sock.Close()
	})
}

func openIdleFD() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return socket.InvalidFD, err
	}
	return fd, nil
}
