//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import (
	"context"
	"net"
)

func watchDisconnect(net.Conn, context.CancelFunc) (stop func()) {
	return func() {}
}
