package connector

import (
	"net/netip"
	"time"
)

// Config holds the Connector's dialing policy. It is immutable once built;
// Connector.WithConfig produces a new Connector sharing the same resolver
// but pointing at a fresh Config (copy-on-write), matching the data
// model's "per-call mutation produces a new snapshot" rule.
type Config struct {
	// ConnectTimeout is the total upstream connect budget for one
	// Connect call. Zero means unbounded.
	ConnectTimeout time.Duration
	// HappyEyeballsTimeout is the delay before the fallback-family sweep
	// starts. Zero disables racing; the preferred sweep runs alone and
	// the fallback addresses are never attempted.
	HappyEyeballsTimeout time.Duration
	// LocalV4 / LocalV6, if set, pin the bind address for outbound
	// connections of the matching family.
	LocalV4 *netip.Addr
	LocalV6 *netip.Addr
	// CIDR, if set, overrides LocalV4/LocalV6 by sampling a fresh
	// address from the prefix before every single connect attempt.
	CIDR *netip.Prefix
	// NoDelay sets TCP_NODELAY on successful connections, best-effort.
	NoDelay bool
}
