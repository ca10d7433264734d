//go:build !linux

// Package route idempotently installs a local route claiming the
// configured CIDR prefix, so addresses bound from the Address Pool
// Sampler are locally deliverable. Implemented only on Linux; other
// platforms log and skip, per §4.8 ("best-effort, platform-specific").
package route

import (
	"context"
	"net/netip"
	"runtime"

	"github.com/datawire/dlib/dlog"
)

// Install is a no-op outside Linux. Outbound-source randomization still
// works for addresses already reachable via existing routing; only the
// synthesized-address local-delivery shortcut is unavailable.
func Install(ctx context.Context, prefix netip.Prefix) {
	dlog.Debugf(ctx, "route: no route installer for GOOS=%s, skipping %s", runtime.GOOS, prefix)
}
