//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// control lets several processes on one host share the discovery port.
func control(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(opErr)
}
