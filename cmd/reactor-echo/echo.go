//go:build linux || darwin

package main

import (
	"net/netip"

	"github.com/joeycumines/go-reactor"
	"github.com/joeycumines/go-reactor/buffer"
	"golang.org/x/sys/unix"
)

func serveTCP(s *service, addr netip.AddrPort) (func(), error) {
	acceptor, err := reactor.NewTCPAcceptor(s.base, func(fd int, peer netip.AddrPort) {
		w := s.worker()
		if err := w.Invoke(func() { s.accept(w, fd, peer) }); err != nil {
			_ = unix.Close(fd)
		}
	}, reactor.WithReuseAddr(true), reactor.WithNoDelay(true))
	if err != nil {
		return nil, err
	}
	acceptor.SetErrorCallback(func(err error) {
		s.logger.Debug().Err(err).Log(`accept failed`)
	})
	if err := acceptor.Open(addr, 0); err != nil {
		return nil, err
	}
	return func() { _ = acceptor.Close() }, nil
}

func (s *service) accept(l *reactor.EventLoop, fd int, peer netip.AddrPort) {
	c, err := reactor.NewTCPSocketFromFD(l, fd)
	if err != nil {
		s.logger.Warning().Err(err).Stringer(`peer`, peer).Log(`failed to adopt connection`)
		return
	}
	c.SetReceiveCallback(func(c *reactor.TCPSocket, in *buffer.Buffer) {
		_ = c.Send(in.Peek())
		in.RetrieveAll()
	})
	if err := c.Start(); err != nil {
		_ = c.Close()
	}
}

func serveUDP(s *service, addr netip.AddrPort) (func(), error) {
	u, err := reactor.NewUDPSocket(s.base, reactor.WithReuseAddr(true))
	if err != nil {
		return nil, err
	}
	u.SetReceiveCallback(func(u *reactor.UDPSocket, in *buffer.Buffer, from netip.AddrPort) {
		_ = u.SendTo(in.Peek(), from)
	})
	u.SetErrorCallback(func(_ *reactor.UDPSocket, err error) {
		s.logger.Debug().Err(err).Log(`udp error`)
	})
	if err := u.Bind(addr); err != nil {
		_ = u.Close()
		return nil, err
	}
	return func() { _ = u.Close() }, nil
}
