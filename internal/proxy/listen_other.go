//go:build !unix

package proxy

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
