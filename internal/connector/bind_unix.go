//go:build !windows

package connector

import "net"

// wildcardLocalAddr returns nil on Unix: omitting Dialer.LocalAddr lets the
// OS pick an ephemeral source address and port, which is the normal path
// when no local bind is configured.
func wildcardLocalAddr(network string) net.Addr {
	return nil
}
