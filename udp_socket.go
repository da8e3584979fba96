//go:build linux || darwin

package reactor

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-reactor/buffer"
	"github.com/joeycumines/go-reactor/socket"
	"golang.org/x/sys/unix"
)

type (
	// UDPReceiveCallback receives a single datagram. The buffer is reset
	// once the callback returns.
	UDPReceiveCallback func(u *UDPSocket, in *buffer.Buffer, from netip.AddrPort)

	// UDPWriteCompleteCallback is called once per datagram sent.
	UDPWriteCompleteCallback func(u *UDPSocket, to netip.AddrPort)

	// UDPErrorCallback receives send failures that dropped a datagram, and
	// receive failures other than would-block.
	UDPErrorCallback func(u *UDPSocket, err error)
)

type datagram struct {
	buf *buffer.Buffer
	to  netip.AddrPort
}

// UDPSocket is a non-blocking UDP socket bound to an [EventLoop]. Outbound
// datagrams are queued, and sent in submission order, one per write
// readiness.
//
// Callback setters must be called before [UDPSocket.Bind] or
// [UDPSocket.Connect], or on the loop goroutine.
type UDPSocket struct {
	loop            *EventLoop
	opts            *socketOptions
	sock            *socket.Socket
	handler         *EventHandler
	in              *buffer.Buffer
	out             *queue.Queue
	onReceive       UDPReceiveCallback
	onWriteComplete UDPWriteCompleteCallback
	onError         UDPErrorCallback
	peer            netip.AddrPort
	connected       atomic.Bool
	closed          atomic.Bool
}

// NewUDPSocket returns an unopened socket. The descriptor is created by
// [UDPSocket.Bind], [UDPSocket.Connect], or the first send.
func NewUDPSocket(loop *EventLoop, opts ...SocketOption) (*UDPSocket, error) {
	cfg, err := resolveSocketOptions(opts)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{
		loop: loop,
		opts: cfg,
		in:   buffer.New(),
		out:  queue.New(),
	}, nil
}

func (u *UDPSocket) SetReceiveCallback(fn UDPReceiveCallback) { u.onReceive = fn }

func (u *UDPSocket) SetWriteCompleteCallback(fn UDPWriteCompleteCallback) { u.onWriteComplete = fn }

func (u *UDPSocket) SetErrorCallback(fn UDPErrorCallback) { u.onError = fn }

func (u *UDPSocket) Loop() *EventLoop { return u.loop }

// Connected reports whether the socket is in connected mode.
func (u *UDPSocket) Connected() bool { return u.connected.Load() }

// Bind opens the socket for the family of addr, and binds it, then enables
// read interest.
func (u *UDPSocket) Bind(addr netip.AddrPort) error {
	return u.loop.runSync(func() error {
		if u.closed.Load() {
			return ErrSocketClosed
		}
		if u.sock != nil {
			return ErrAlreadyOpen
		}
		if err := u.open(addr); err != nil {
			return err
		}
		if err := u.bind(addr); err != nil {
			u.discard()
			return err
		}
		return u.handler.EnableReading()
	})
}

func (u *UDPSocket) bind(addr netip.AddrPort) error {
	if u.opts.reuseAddr {
		if err := u.sock.SetReuseAddr(true); err != nil {
			return err
		}
	}
	if u.opts.reusePort {
		if err := u.sock.SetReusePort(true); err != nil {
			return err
		}
	}
	return u.sock.Bind(addr)
}

// Connect fixes the peer, after which datagrams are only exchanged with
// addr, and must be sent with [UDPSocket.Send]. It fails with
// [ErrInvalidState] while datagrams queued by SendTo are still unsent.
func (u *UDPSocket) Connect(addr netip.AddrPort) error {
	return u.loop.runSync(func() error {
		if u.closed.Load() {
			return ErrSocketClosed
		}
		if u.out.Length() != 0 {
			return ErrInvalidState
		}
		opened := u.sock == nil
		if opened {
			if err := u.open(addr); err != nil {
				return err
			}
		}
		if err := u.sock.Connect(addr); err != nil {
			if opened {
				u.discard()
			}
			return err
		}
		u.peer = addr
		u.connected.Store(true)
		if !u.handler.IsReading() {
			return u.handler.EnableReading()
		}
		return nil
	})
}

// discard closes a socket that failed to open, allowing another attempt.
func (u *UDPSocket) discard() {
	_ = u.sock.Close()
	u.sock, u.handler = nil, nil
}

func (u *UDPSocket) open(addr netip.AddrPort) error {
	sock, err := socket.NewFor(addr, socket.Datagram)
	if err != nil {
		return err
	}
	if err := sock.SetNonblock(true); err != nil {
		_ = sock.Close()
		return err
	}
	u.sock = sock
	u.handler = NewEventHandler(u.loop, sock.FD())
	u.handler.SetReadCallback(u.handleRead)
	u.handler.SetWriteCallback(u.handleWrite)
	return nil
}

// LocalAddr returns the bound address.
func (u *UDPSocket) LocalAddr() (addr netip.AddrPort, err error) {
	err = u.loop.runSync(func() error {
		if u.sock == nil {
			return ErrSocketClosed
		}
		addr, err = u.sock.LocalAddr()
		return err
	})
	return
}

// PeerAddr returns the connected peer.
func (u *UDPSocket) PeerAddr() (netip.AddrPort, error) {
	if !u.connected.Load() {
		return netip.AddrPort{}, ErrUDPNotConnected
	}
	var addr netip.AddrPort
	_ = u.loop.runSync(func() error {
		addr = u.peer
		return nil
	})
	return addr, nil
}

// SendTo copies p, and queues it as a datagram to addr.
func (u *UDPSocket) SendTo(p []byte, addr netip.AddrPort) error {
	return u.SendBufferTo(buffer.FromBytes(p), addr)
}

// SendBufferTo queues the readable bytes of b as a datagram to addr, taking
// ownership of b.
func (u *UDPSocket) SendBufferTo(b *buffer.Buffer, addr netip.AddrPort) error {
	if u.connected.Load() {
		b.Release()
		return ErrUDPConnected
	}
	return u.submit(&datagram{buf: b, to: addr})
}

// Send copies p, and queues it as a datagram to the connected peer.
func (u *UDPSocket) Send(p []byte) error {
	if !u.connected.Load() {
		return ErrUDPNotConnected
	}
	return u.submit(&datagram{buf: buffer.FromBytes(p)})
}

func (u *UDPSocket) submit(d *datagram) error {
	if u.closed.Load() {
		d.buf.Release()
		return ErrSocketClosed
	}
	err := u.loop.post(func() { u.pushInLoop(d) })
	if err != nil {
		d.buf.Release()
	}
	return err
}

func (u *UDPSocket) pushInLoop(d *datagram) {
	if u.closed.Load() {
		d.buf.Release()
		return
	}

	if u.sock == nil {
		if err := u.open(d.to); err != nil {
			d.buf.Release()
			u.reportError(err)
			return
		}
		// replies are delivered to the receive callback
		if err := u.handler.EnableReading(); err != nil {
			u.discard()
			d.buf.Release()
			u.reportError(err)
			return
		}
	}

	u.out.Add(d)

	if !u.handler.IsWriting() {
		if err := u.handler.EnableWriting(); err != nil {
			u.reportError(err)
		}
	}
}

func (u *UDPSocket) handleWrite() {
	if u.out.Length() == 0 {
		_ = u.handler.DisableWriting()
		return
	}

	// datagrams queued by Send carry no address
	d := u.out.Peek().(*datagram)
	var err error
	if d.to.IsValid() {
		_, err = u.sock.SendTo(d.buf.Peek(), d.to)
	} else {
		_, err = u.sock.Send(d.buf.Peek())
	}

	switch {
	case err == nil:
		u.out.Remove()
		d.buf.Release()
		to := d.to
		if !to.IsValid() {
			to = u.peer
		}
		if u.onWriteComplete != nil {
			u.onWriteComplete(u, to)
		}
	case socket.IsTransient(err), errors.Is(err, unix.ENOBUFS):
		// retried on the next readiness
		return
	default:
		u.out.Remove()
		d.buf.Release()
		u.reportError(err)
	}

	if !u.closed.Load() && u.out.Length() == 0 {
		_ = u.handler.DisableWriting()
	}
}

func (u *UDPSocket) handleRead() {
	var from netip.AddrPort
	_, err := u.in.ReadFunc(func(p []byte) (n int, err error) {
		n, from, err = u.sock.RecvFrom(p)
		return
	}, u.opts.readChunk)
	if err != nil {
		if !socket.IsTransient(err) {
			u.reportError(err)
		}
		return
	}
	if u.onReceive != nil {
		u.onReceive(u, u.in, from)
	}
	if !u.closed.Load() {
		u.in.Reset()
	}
}

func (u *UDPSocket) reportError(err error) {
	u.loop.logger.Debug().
		Uint64(`loop_id`, u.loop.id).
		Int(`fd`, u.sock.FD()).
		Err(err).
		Log(`udp socket error`)
	if u.onError != nil {
		u.onError(u, err)
	}
}

// Close detaches the socket from the loop, closes it, and discards any
// queued datagrams. It is idempotent.
func (u *UDPSocket) Close() error {
	return u.loop.runSync(func() error {
		if !u.closed.CompareAndSwap(false, true) {
			return nil
		}
		return u.teardown()
	})
}

func (u *UDPSocket) teardown() error {
	var err error
	if u.handler != nil {
		u.handler.Detach()
	}
	if u.sock != nil {
		err = u.sock.Close()
	}
	for u.out.Length() != 0 {
		u.out.Remove().(*datagram).buf.Release()
	}
	u.in.Release()
	u.connected.Store(false)
	return err
}
