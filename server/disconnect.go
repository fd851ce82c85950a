//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var aLongTimeAgo = time.Unix(1, 0)

// watchDisconnect calls cancel if the client closes conn while a request is
// in flight. fasthttp reports no such event, so the socket is peeked without
// consuming anything; bytes of a pipelined request end the watch. The
// returned stop must be called before the handler returns. Connections
// without a raw socket, such as TLS or in-memory ones, are not watched.
func watchDisconnect(conn net.Conn, cancel context.CancelFunc) (stop func()) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return func() {}
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		var gone bool
		buf := make([]byte, 1)

		_ = raw.Read(func(fd uintptr) bool {
			n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
			switch {
			case err == unix.EAGAIN || err == unix.EINTR:
				return false
			case err != nil || n == 0:
				gone = true
			}
			return true
		})

		if gone {
			cancel()
		}
	}()

	return func() {
		// Wakes the watcher; fasthttp sets its own deadline before the next read.
		_ = conn.SetReadDeadline(aLongTimeAgo)
		<-done
		_ = conn.SetReadDeadline(time.Time{})
	}
}
