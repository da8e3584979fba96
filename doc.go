// Package reactor implements a callback-driven network I/O reactor: a
// readiness multiplexing [EventLoop], plus non-blocking TCP and UDP socket
// state machines layered on top of it.
//
// # Architecture
//
// Each [EventLoop] owns an [EventDispatcher], which owns a [Multiplexer]
// (epoll on Linux, kqueue on macOS) and a descriptor to [EventHandler]
// mapping. Every cycle of the loop:
//
//  1. waits for readiness, bounded by the nearest timer
//  2. dispatches each active handler, read before write
//  3. runs expired timers ([EventLoop.InvokeAfter], [EventLoop.InvokeEvery])
//  4. runs a snapshot of the pending task queue ([EventLoop.Invoke],
//     [EventLoop.InvokeLater])
//
// The socket objects, [TCPAcceptor], [TCPSocket] and [UDPSocket], each own
// one [EventHandler], and translate readiness into accept, connect, send and
// receive semantics, with internal buffering.
//
// # Thread Safety
//
// The goroutine that calls [EventLoop.Run] owns the loop, and is locked to
// its OS thread. All handler mutation, buffer mutation and callback
// execution happens on it. The following are safe to call from any
// goroutine:
//   - [EventLoop.Invoke], [EventLoop.InvokeLater], [EventLoop.InvokeAfter],
//     [EventLoop.InvokeEvery], [EventLoop.CancelTimer] and [EventLoop.Stop]
//   - the socket operations documented as such, e.g. [TCPSocket.Send] and
//     [UDPSocket.SendTo], which marshal themselves onto the loop
//
// Sends from different goroutines are applied to a connection in the order
// they arrive at the loop's task queue. A [buffer.Buffer] handed to a socket
// is moved, and must not be touched again by the caller.
//
// # Usage
//
//	thread := reactor.NewLoopThread(nil, reactor.WithLogger(logger))
//	loop, err := thread.Start()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer thread.Close()
//
//	acceptor, err := reactor.NewTCPAcceptor(loop, func(fd int, peer netip.AddrPort) {
//	    conn, err := reactor.NewTCPSocketFromFD(loop, fd)
//	    if err != nil {
//	        return
//	    }
//	    conn.SetReceiveCallback(func(c *reactor.TCPSocket, in *buffer.Buffer) {
//	        _ = c.SendString(in.RetrieveAllString())
//	    })
//	    _ = conn.Start()
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := acceptor.Open(netip.MustParseAddrPort(`127.0.0.1:8080`), 0); err != nil {
//	    log.Fatal(err)
//	}
package reactor
