// Package connector orchestrates a single outbound TCP connection: it
// resolves a target, splits the resolved addresses by address family
// preference, races a Happy-Eyeballs-style dual-stack sweep, binds a local
// address per the configured (or CIDR-sampled) policy, and enforces
// per-attempt connect timeouts.
package connector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/proxy"

	"github.com/datawire/dlib/dlog"

	"github.com/randhop/randhop/internal/addrpool"
	"github.com/randhop/randhop/internal/errcat"
	"github.com/randhop/randhop/internal/resolve"
)

// Connector dials outbound TCP connections according to its Config. It is
// otherwise stateless: every Connect call is independent.
type Connector struct {
	resolver *resolve.Resolver
	cfg      Config
}

// New builds a Connector sharing resolver and bound to cfg.
func New(resolver *resolve.Resolver, cfg Config) *Connector {
	return &Connector{resolver: resolver, cfg: cfg}
}

// WithConfig returns a new Connector with the same resolver and a
// replacement Config, leaving the receiver untouched (copy-on-write).
func (c *Connector) WithConfig(cfg Config) *Connector {
	return &Connector{resolver: c.resolver, cfg: cfg}
}

// Connect dials scheme://authority. scheme selects the default port (443
// for https, 80 otherwise) when authority carries no explicit port; pass
// an empty scheme for an authority that must already carry an explicit
// port, as with a CONNECT target.
func (c *Connector) Connect(ctx context.Context, scheme, authority string) (net.Conn, error) {
	host, port, explicit, err := resolve.SplitHostPort(scheme, authority)
	if err != nil {
		return nil, errcat.InvalidURI.Newf("%w", err)
	}
	if scheme == "" && !explicit {
		return nil, errcat.InvalidURI.Newf("%q must include an explicit port", authority)
	}

	addrs, err := c.resolver.Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errcat.Dns.Newf("resolve %s: not connected", host)
	}

	preferred, fallback := splitByFamily(addrs, &c.cfg)
	perAttempt, hasTimeout := perAddressTimeout(c.cfg.ConnectTimeout, len(preferred)+len(fallback))

	conn, err := c.race(ctx, preferred, fallback, perAttempt, hasTimeout)
	if err != nil {
		return nil, err
	}

	c.applyNoDelay(ctx, conn)
	return conn, nil
}

// var assertion: Connector satisfies golang.org/x/net/proxy.ContextDialer,
// the same interface the teacher adapts SOCKS5 dialers to in
// pkg/client/daemon/proxy/proxy.go, so callers can hold it behind that
// interface instead of a concrete type.
var _ proxy.ContextDialer = (*Connector)(nil)

// DialContext adapts Connect to proxy.ContextDialer's (network, address)
// shape. network is ignored: Connect already infers the family per
// address from the resolved record, and address must carry an explicit
// port (scheme is unknown at this call site).
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return c.Connect(ctx, "", address)
}

// race implements §4.3 step 7: run the preferred sweep immediately; if
// HappyEyeballsTimeout is set and a fallback list exists, also start the
// fallback sweep once the timeout elapses, and return whichever sweep
// succeeds first. If HappyEyeballsTimeout is unset, only the preferred
// list is attempted, sequentially.
func (c *Connector) race(ctx context.Context, preferred, fallback []netip.AddrPort, perAttempt time.Duration, hasTimeout bool) (net.Conn, error) {
	if c.cfg.HappyEyeballsTimeout <= 0 || len(fallback) == 0 {
		return c.attemptSweep(ctx, preferred, perAttempt, hasTimeout)
	}

	prefDone := make(chan connectOutcome, 1)
	go func() {
		conn, err := c.attemptSweep(ctx, preferred, perAttempt, hasTimeout)
		prefDone <- connectOutcome{conn, err}
	}()

	fbDone := make(chan connectOutcome, 1)
	timer := time.NewTimer(c.cfg.HappyEyeballsTimeout)
	defer timer.Stop()
	fbStarted := false

	var prefResult, fbResult *connectOutcome
	for {
		select {
		case r := <-prefDone:
			if r.err == nil {
				if fbStarted {
					drainAndClose(fbDone)
				}
				return r.conn, nil
			}
			prefResult = &r
			if fbResult != nil {
				return nil, combineErrors(prefResult.err, fbResult.err)
			}
		case <-timer.C:
			if !fbStarted {
				fbStarted = true
				go func() {
					conn, err := c.attemptSweep(ctx, fallback, perAttempt, hasTimeout)
					fbDone <- connectOutcome{conn, err}
				}()
			}
		case r := <-fbDone:
			if r.err == nil {
				if prefResult == nil {
					drainAndClose(prefDone)
				}
				return r.conn, nil
			}
			fbResult = &r
			if prefResult != nil {
				return nil, combineErrors(prefResult.err, fbResult.err)
			}
		}
	}
}

// connectOutcome is the result of one sweep goroutine racing in race().
type connectOutcome struct {
	conn net.Conn
	err  error
}

// drainAndClose waits for a still-in-flight sweep's result in the
// background and closes its connection if it eventually succeeds, since
// the race has already been won by the other side.
func drainAndClose(ch chan connectOutcome) {
	go func() {
		if r, ok := <-ch; ok && r.err == nil && r.conn != nil {
			_ = r.conn.Close()
		}
	}()
}

func combineErrors(preferredErr, fallbackErr error) error {
	return errcat.Tcp.Newf("preferred sweep failed (%v), fallback sweep failed (%v)", preferredErr, fallbackErr)
}

// attemptSweep tries each address in order, returning the first successful
// connection. It returns the last error encountered, or a NotConnected
// error if the list was empty.
func (c *Connector) attemptSweep(ctx context.Context, addrs []netip.AddrPort, perAttempt time.Duration, hasTimeout bool) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := c.attemptOne(ctx, addr, perAttempt, hasTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, errcat.Tcp.Newf("not connected: no addresses attempted")
	}
	return nil, lastErr
}

func (c *Connector) attemptOne(ctx context.Context, addr netip.AddrPort, perAttempt time.Duration, hasTimeout bool) (net.Conn, error) {
	network := "tcp4"
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		network = "tcp6"
	}

	localAddr, err := c.localAddrFor(network)
	if err != nil {
		return nil, errcat.Bind.Newf("%w", err)
	}

	dialer := &net.Dialer{LocalAddr: localAddr}
	dialCtx := ctx
	if hasTimeout && perAttempt > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, perAttempt)
		defer cancel()
	}

	conn, err := dialer.DialContext(dialCtx, network, addr.String())
	if err != nil {
		return nil, errcat.Tcp.Newf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// localAddrFor resolves the bind policy of §4.4 for one connect attempt,
// sampling fresh from the CIDR if one is configured.
func (c *Connector) localAddrFor(network string) (net.Addr, error) {
	if c.cfg.CIDR != nil {
		sampled, err := addrpool.Sample(*c.cfg.CIDR)
		if err != nil {
			return nil, fmt.Errorf("sampling local address: %w", err)
		}
		return &net.TCPAddr{IP: sampled.AsSlice(), Port: 0}, nil
	}
	switch network {
	case "tcp4":
		if c.cfg.LocalV4 != nil {
			return &net.TCPAddr{IP: c.cfg.LocalV4.AsSlice(), Port: 0}, nil
		}
	case "tcp6":
		if c.cfg.LocalV6 != nil {
			return &net.TCPAddr{IP: c.cfg.LocalV6.AsSlice(), Port: 0}, nil
		}
	}
	return wildcardLocalAddr(network), nil
}

func (c *Connector) applyNoDelay(ctx context.Context, conn net.Conn) {
	if !c.cfg.NoDelay {
		return
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		dlog.Debugf(ctx, "connector: failed to set TCP_NODELAY: %v", err)
	}
}

// splitByFamily implements §4.3 step 5.
func splitByFamily(addrs []netip.AddrPort, cfg *Config) (preferred, fallback []netip.AddrPort) {
	switch {
	case cfg.LocalV4 != nil && cfg.LocalV6 == nil:
		return filterFamily(addrs, true), nil
	case cfg.LocalV6 != nil && cfg.LocalV4 == nil:
		return filterFamily(addrs, false), nil
	default:
		if len(addrs) == 0 {
			return nil, nil
		}
		firstIsV4 := addrs[0].Addr().Is4() || addrs[0].Addr().Is4In6()
		for _, a := range addrs {
			isV4 := a.Addr().Is4() || a.Addr().Is4In6()
			if isV4 == firstIsV4 {
				preferred = append(preferred, a)
			} else {
				fallback = append(fallback, a)
			}
		}
		return preferred, fallback
	}
}

func filterFamily(addrs []netip.AddrPort, wantV4 bool) []netip.AddrPort {
	var out []netip.AddrPort
	for _, a := range addrs {
		isV4 := a.Addr().Is4() || a.Addr().Is4In6()
		if isV4 == wantV4 {
			out = append(out, a)
		}
	}
	return out
}

// perAddressTimeout implements §4.3 step 6 / Testable Property 4.
func perAddressTimeout(total time.Duration, n int) (time.Duration, bool) {
	if total <= 0 || n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}
