//go:build windows

package proxyserver

import "net"

// listenTCPWithBacklog falls back to plain net.Listen on Windows: overriding
// listen(2)'s backlog there means bypassing the runtime's IOCP-integrated
// socket setup entirely, which is out of scope here (same "documented,
// justified gap" treatment spec.md's platform notes give other
// Windows-only shortfalls). concurrent's resolver-admission half of the
// back-pressure model still applies; only the listen-backlog half is a
// no-op on this platform.
func listenTCPWithBacklog(addr string, backlog int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
