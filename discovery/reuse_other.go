//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import "syscall"

var control func(network, address string, c syscall.RawConn) error
