//go:build linux || darwin

// Package socket wraps the raw socket system calls consumed by the reactor.
//
// A [Socket] may be used in blocking or non-blocking mode. In non-blocking
// mode, operations that cannot proceed return an error satisfying
// [IsWouldBlock], rather than blocking. All errors are returned, never
// panicked.
package socket

import (
	"errors"
	"net/netip"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// InvalidFD is the descriptor value of an unopened or closed socket.
const InvalidFD = -1

// Socket types, re-exported for convenience.
const (
	Stream   = unix.SOCK_STREAM
	Datagram = unix.SOCK_DGRAM
)

var (
	// ErrClosed is returned by operations on a closed (or never opened) socket.
	ErrClosed = errors.New("socket: use of closed socket")

	// ErrInvalidAddress is returned for addresses that cannot be converted to
	// a socket address.
	ErrInvalidAddress = errors.New("socket: invalid address")
)

// Socket is a thin owner of a socket descriptor.
//
// It is not safe for concurrent use, the reactor confines each Socket to a
// single loop goroutine.
type Socket struct {
	fd     int
	family int
	sotype int
}

// New creates a close-on-exec socket of the given family (unix.AF_INET or
// unix.AF_INET6) and type ([Stream] or [Datagram]).
func New(family, sotype int) (*Socket, error) {
	fd, err := sysSocket(family, sotype)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &Socket{fd: fd, family: family, sotype: sotype}, nil
}

// NewFor creates a socket with the family appropriate for addr.
func NewFor(addr netip.AddrPort, sotype int) (*Socket, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	return New(FamilyOf(addr), sotype)
}

// FromFD takes ownership of an existing socket descriptor, e.g. one returned
// by [Socket.Accept].
func FromFD(fd int) *Socket {
	s := &Socket{fd: fd, family: unix.AF_INET, sotype: Stream}
	if sa, err := unix.Getsockname(fd); err == nil {
		if _, ok := sa.(*unix.SockaddrInet6); ok {
			s.family = unix.AF_INET6
		}
	}
	if v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err == nil {
		s.sotype = v
	}
	return s
}

// FamilyOf returns the address family used for addr.
func FamilyOf(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// FD returns the descriptor, or [InvalidFD] if closed.
func (s *Socket) FD() int {
	if s == nil {
		return InvalidFD
	}
	return s.fd
}

// Family returns the address family.
func (s *Socket) Family() int { return s.family }

// Type returns the socket type.
func (s *Socket) Type() int { return s.sotype }

// Closed reports whether the socket has been closed.
func (s *Socket) Closed() bool { return s == nil || s.fd == InvalidFD }

// Bind binds the socket to addr.
func (s *Socket) Bind(addr netip.AddrPort) error {
	if s.Closed() {
		return ErrClosed
	}
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(s.fd, sa))
}

// Listen marks a stream socket as passive. A backlog <= 0 means SOMAXCONN.
func (s *Socket) Listen(backlog int) error {
	if s.Closed() {
		return ErrClosed
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	return os.NewSyscallError("listen", unix.Listen(s.fd, backlog))
}

// Accept accepts a single pending connection. The returned descriptor is
// non-blocking and close-on-exec, ownership passes to the caller.
func (s *Socket) Accept() (int, netip.AddrPort, error) {
	if s.Closed() {
		return InvalidFD, netip.AddrPort{}, ErrClosed
	}
	fd, sa, err := sysAccept(s.fd)
	if err != nil {
		return InvalidFD, netip.AddrPort{}, err
	}
	return fd, FromSockaddr(sa), nil
}

// Connect connects the socket to addr. In non-blocking mode a stream socket
// will typically return unix.EINPROGRESS, completion is then observed via
// writability, followed by [Socket.Error].
func (s *Socket) Connect(addr netip.AddrPort) error {
	if s.Closed() {
		return ErrClosed
	}
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Connect(s.fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	return nil
}

// Close closes the descriptor. It is idempotent.
func (s *Socket) Close() error {
	if s.Closed() {
		return nil
	}
	fd := s.fd
	s.fd = InvalidFD
	return os.NewSyscallError("close", unix.Close(fd))
}

// ShutdownWrite half-closes the socket, signalling EOF to the peer.
func (s *Socket) ShutdownWrite() error {
	if s.Closed() {
		return ErrClosed
	}
	return os.NewSyscallError("shutdown", unix.Shutdown(s.fd, unix.SHUT_WR))
}

// Send writes p to a connected socket, returning the number of bytes written.
func (s *Socket) Send(p []byte) (int, error) {
	if s.Closed() {
		return 0, ErrClosed
	}
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Recv reads into p. A return of (0, nil) indicates an orderly shutdown by
// the peer (stream sockets) or an empty datagram.
func (s *Socket) Recv(p []byte) (int, error) {
	if s.Closed() {
		return 0, ErrClosed
	}
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// SendTo sends the datagram p to addr.
func (s *Socket) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if s.Closed() {
		return 0, ErrClosed
	}
	sa, err := s.sockaddr(addr)
	if err != nil {
		return 0, err
	}
	return unix.SendmsgN(s.fd, p, nil, sa, 0)
}

// RecvFrom receives a single datagram into p, returning its source.
func (s *Socket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	if s.Closed() {
		return 0, netip.AddrPort{}, ErrClosed
	}
	n, sa, err := unix.Recvfrom(s.fd, p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, FromSockaddr(sa), nil
}

// SetNonblock toggles non-blocking mode.
func (s *Socket) SetNonblock(nonblocking bool) error {
	if s.Closed() {
		return ErrClosed
	}
	return os.NewSyscallError("setnonblock", unix.SetNonblock(s.fd, nonblocking))
}

// Nonblocking reports whether the socket is in non-blocking mode.
func (s *Socket) Nonblocking() (bool, error) {
	if s.Closed() {
		return false, ErrClosed
	}
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return false, os.NewSyscallError("fcntl", err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setBool("setsockopt", unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

// ReuseAddr gets SO_REUSEADDR.
func (s *Socket) ReuseAddr() (bool, error) {
	return s.getBool(unix.SOL_SOCKET, unix.SO_REUSEADDR)
}

// SetReusePort sets SO_REUSEPORT.
func (s *Socket) SetReusePort(on bool) error {
	return s.setBool("setsockopt", unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

// ReusePort gets SO_REUSEPORT.
func (s *Socket) ReusePort() (bool, error) {
	return s.getBool(unix.SOL_SOCKET, unix.SO_REUSEPORT)
}

// SetNoDelay sets TCP_NODELAY.
func (s *Socket) SetNoDelay(on bool) error {
	return s.setBool("setsockopt", unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

// NoDelay gets TCP_NODELAY.
func (s *Socket) NoDelay() (bool, error) {
	return s.getBool(unix.IPPROTO_TCP, unix.TCP_NODELAY)
}

// SetKeepAlive sets SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	return s.setBool("setsockopt", unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

// KeepAlive gets SO_KEEPALIVE.
func (s *Socket) KeepAlive() (bool, error) {
	return s.getBool(unix.SOL_SOCKET, unix.SO_KEEPALIVE)
}

// Error returns (and clears) the pending socket error, SO_ERROR.
func (s *Socket) Error() error {
	if s.Closed() {
		return ErrClosed
	}
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if s.Closed() {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return FromSockaddr(sa), nil
}

// PeerAddr returns the connected peer's address.
func (s *Socket) PeerAddr() (netip.AddrPort, error) {
	if s.Closed() {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getpeername", err)
	}
	return FromSockaddr(sa), nil
}

func (s *Socket) setBool(op string, level, opt int, on bool) error {
	if s.Closed() {
		return ErrClosed
	}
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError(op, unix.SetsockoptInt(s.fd, level, opt, v))
}

func (s *Socket) getBool(level, opt int) (bool, error) {
	if s.Closed() {
		return false, ErrClosed
	}
	v, err := unix.GetsockoptInt(s.fd, level, opt)
	if err != nil {
		return false, os.NewSyscallError("getsockopt", err)
	}
	return v != 0, nil
}

// sockaddr converts addr for use with this socket's family, mapping IPv4
// addresses into IPv6 for AF_INET6 sockets.
func (s *Socket) sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	ip := addr.Addr()
	if s.family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if id, err := strconv.Atoi(zone); err == nil {
				sa.ZoneId = uint32(id)
			}
		}
		return sa, nil
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return nil, ErrInvalidAddress
	}
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
}

// FromSockaddr converts an inet socket address, unmapping IPv4-mapped IPv6
// addresses. Unsupported address types yield the zero value.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr).Unmap()
		if sa.ZoneId != 0 && ip.Is6() {
			ip = ip.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
