//go:build linux

// Package route idempotently installs a local route claiming the
// configured CIDR prefix via the loopback interface, so addresses bound
// from the Address Pool Sampler are locally deliverable. Linux only; see
// route_other.go for the no-op on every other platform.
package route

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/datawire/dlib/dlog"
)

const (
	localTable  = "255"
	loInterface = "lo"
)

// Install queries route table 255 for an existing entry matching prefix's
// family, length, and destination, and adds a local route via lo if none
// is found. Errors are logged at trace level and never prevent startup,
// per §4.8 and §7 (Route Installer errors are non-fatal).
func Install(ctx context.Context, prefix netip.Prefix) {
	exists, err := routeExists(ctx, prefix)
	var errs *multierror.Error
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("checking table %s: %w", localTable, err))
	}
	if exists {
		dlog.Tracef(ctx, "route: %s already present in table %s", prefix, localTable)
		return
	}

	if err := addRoute(ctx, prefix); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("adding route: %w", err))
	}
	if errs != nil {
		dlog.Tracef(ctx, "route: install %s: %v", prefix, errs)
	}
}

func routeExists(ctx context.Context, prefix netip.Prefix) (bool, error) {
	family := "-4"
	if prefix.Addr().Is6() {
		family = "-6"
	}
	cmd := exec.CommandContext(ctx, "ip", family, "route", "show", "table", localTable)
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	dest := prefix.String()
	// ip lists host routes without their /32 or /128 length.
	hostDest := dest
	if prefix.IsSingleIP() {
		hostDest = prefix.Addr().String()
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Non-unicast routes are listed type first: "local <dest> dev lo ...".
		if len(fields) > 1 && fields[0] == "local" {
			fields = fields[1:]
		}
		if len(fields) > 0 && (fields[0] == dest || fields[0] == hostDest) {
			return true, nil
		}
	}
	return false, nil
}

func addRoute(ctx context.Context, prefix netip.Prefix) error {
	family := "-4"
	if prefix.Addr().Is6() {
		family = "-6"
	}
	// Deliberately avoiding an interruptible exec wrapper here: a killed
	// "ip route add" mid-flight can leave the route half-installed, and
	// this call is idempotent on retry regardless.
	args := []string{
		family, "route", "add",
		"local", prefix.String(),
		"dev", loInterface,
		"proto", "boot",
		"scope", "universe",
		"priority", "1024",
		"table", localTable,
	}
	cmd := exec.CommandContext(ctx, "ip", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
