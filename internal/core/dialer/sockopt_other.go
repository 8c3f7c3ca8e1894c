//go:build !unix

package dialer

import "syscall"

func socketControl(int) func(network, address string, c syscall.RawConn) error { return nil }
