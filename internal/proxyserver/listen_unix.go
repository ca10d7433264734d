//go:build !windows

package proxyserver

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// listenTCPWithBacklog opens a TCP listener on addr with an explicit
// listen(2) backlog and SO_REUSEADDR set, per spec.md's "`concurrent` sets
// both the TCP `listen()` backlog and the bound on the blocking-thread
// pool." net.Listen never exposes a backlog parameter — the runtime always
// picks one itself — so getting a caller-chosen backlog means doing the
// socket/bind/listen sequence by hand and handing the resulting fd to
// net.FileListener, the same raw-syscall idiom the teacher uses for
// platform-specific socket work in pkg/client/daemon/nat/route_darwin.go.
func listenTCPWithBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving bind address %s: %w", addr, err)
	}

	domain := syscall.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = syscall.AF_INET6
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("setnonblock: %w", err)
	}

	var sa syscall.Sockaddr
	if domain == syscall.AF_INET {
		var ip4 [4]byte
		if v4 := tcpAddr.IP.To4(); v4 != nil {
			copy(ip4[:], v4)
		}
		sa = &syscall.SockaddrInet4{Port: tcpAddr.Port, Addr: ip4}
	} else {
		var ip16 [16]byte
		if tcpAddr.IP != nil {
			copy(ip16[:], tcpAddr.IP.To16())
		}
		sa = &syscall.SockaddrInet6{Port: tcpAddr.Port, Addr: ip16}
	}

	if err := syscall.Bind(fd, sa); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("listen backlog %d: %w", backlog, err)
	}

	// net.FileListener dups the fd into its own net.Listener; the
	// os.File wrapper is only needed to make that handoff and is closed
	// once it's done.
	f := os.NewFile(uintptr(fd), "randhop-listener")
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping listener fd: %w", err)
	}
	return ln, nil
}
