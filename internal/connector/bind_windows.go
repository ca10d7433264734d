//go:build windows

package connector

import "net"

// wildcardLocalAddr binds an explicit wildcard ":0" of the target family.
// Windows' connect() has historically required the socket to already be
// bound; an explicit wildcard bind is the workaround when the operator has
// not pinned a local address for this family.
func wildcardLocalAddr(network string) net.Addr {
	switch network {
	case "tcp6":
		return &net.TCPAddr{IP: net.IPv6zero, Port: 0}
	default:
		return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
	}
}
