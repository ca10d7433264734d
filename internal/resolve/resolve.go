// Package resolve maps a host name to an ordered list of socket addresses,
// short-circuiting OS resolution when the host is already an IPv4 or IPv6
// literal.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sync/semaphore"

	"github.com/randhop/randhop/internal/errcat"
)

// Resolver performs hostname resolution, bounding the number of concurrent
// blocking OS lookups in flight so a burst of unresolved hosts cannot
// exhaust the runtime's threads.
type Resolver struct {
	sem *semaphore.Weighted
}

// New returns a Resolver that admits at most concurrency simultaneous OS
// lookups. A concurrency of zero or less is treated as unbounded.
func New(concurrency int64) *Resolver {
	if concurrency <= 0 {
		concurrency = 1 << 20
	}
	return &Resolver{sem: semaphore.NewWeighted(concurrency)}
}

// Resolve returns the ordered list of socket addresses for host. If host
// parses as an IPv4 or IPv6 literal, the OS resolver is never invoked and
// the single resulting address carries port verbatim.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16) ([]netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr, port)}, nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, errcat.Dns.Newf("resolve %s: acquiring lookup slot: %w", host, err)
	}
	defer r.sem.Release(1)

	type result struct {
		addrs []net.IPAddr
		err   error
	}
	done := make(chan result, 1)
	go func() {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		done <- result{addrs: addrs, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errcat.Dns.Newf("resolve %s: %w", host, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, errcat.Dns.Newf("resolve %s: %w", host, res.err)
		}
		out := make([]netip.AddrPort, 0, len(res.addrs))
		for _, a := range res.addrs {
			addr, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			if addr.Is4In6() {
				addr = addr.Unmap()
			}
			out = append(out, netip.AddrPortFrom(addr, port))
		}
		if len(out) == 0 {
			return nil, errcat.Dns.Newf("resolve %s: no addresses returned", host)
		}
		return out, nil
	}
}

// SplitHostPort extracts host and port from a request target, applying the
// default-port-by-scheme policy: a resolved address keeps its explicit
// port; otherwise the scheme's default port (443 for https, else 80) is
// used. Hosts bracketed as IPv6 literals have the brackets stripped.
func SplitHostPort(scheme, authority string) (host string, port uint16, explicit bool, err error) {
	if authority == "" {
		return "", 0, false, fmt.Errorf("missing host")
	}
	h, p, splitErr := net.SplitHostPort(authority)
	if splitErr != nil {
		// No port present; the whole string is the host.
		h = authority
		explicit = false
	} else {
		explicit = true
	}
	h = stripBrackets(h)
	if h == "" {
		return "", 0, false, fmt.Errorf("missing host")
	}
	if !explicit {
		if scheme == "https" {
			return h, 443, false, nil
		}
		return h, 80, false, nil
	}
	portNum, perr := net.LookupPort("tcp", p)
	if perr != nil {
		return "", 0, false, fmt.Errorf("invalid port %q: %w", p, perr)
	}
	return h, uint16(portNum), true, nil
}

func stripBrackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
