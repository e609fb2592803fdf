//go:build !unix && !windows

package transport

import "syscall"

func discoveryControl(_, _ string, _ syscall.RawConn) error { return nil }
