// Command randhop runs the forward proxy described by §1-§9: an HTTP/CONNECT
// proxy that randomizes its outbound source address from a configured CIDR.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/randhop/randhop/internal/config"
	"github.com/randhop/randhop/internal/connector"
	"github.com/randhop/randhop/internal/logging"
	"github.com/randhop/randhop/internal/proxyserver"
	"github.com/randhop/randhop/internal/resolve"
	"github.com/randhop/randhop/internal/route"
	"github.com/randhop/randhop/internal/shutdown"
)

const processName = "randhop"

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx := dgroup.WithGoroutineName(context.Background(), "/"+processName)

	cmd := &cobra.Command{
		Use:           processName,
		Short:         "Forward HTTP/CONNECT proxy with randomized outbound source addresses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCommand(), versionCommand())

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the randhop version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", processName, version)
			return nil
		},
	}
}

func runCommand() *cobra.Command {
	var confDir string
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd.Context(), confDir, debug)
		},
	}
	cmd.Flags().StringVar(&confDir, "conf", "configs", "directory of configuration fragments to load and watch")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable trace-level logging when RANDHOP_LOG_LEVEL is unset")
	return cmd
}

func runProxy(ctx context.Context, confDir string, debug bool) error {
	mgr, err := config.NewManager(confDir)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", confDir, err)
	}
	ctx = logging.WithBaseLogger(ctx, debug || mgr.Snapshot().Debug)
	dlog.Infof(ctx, "loaded config from %s:\n%s", confDir, mgr.Snapshot().String())

	if cidr := mgr.Snapshot().CIDR; cidr != nil {
		route.Install(ctx, *cidr)
	}

	resolver := resolve.New(int64(mgr.Snapshot().Concurrent))
	conn := connector.New(resolver, connector.Config{})
	drain := shutdown.NewToken(context.Background())

	svc := &proxyserver.Service{
		Connector: conn,
		Drain:     drain,
		ConfigSnapshot: func() proxyserver.ConnectPolicy {
			snap := mgr.Snapshot()
			return proxyserver.ConnectPolicy{
				ConnectTimeout: snap.ConnectTimeout,
				CIDR:           snap.CIDR,
			}
		},
	}
	loop := &proxyserver.AcceptLoop{
		Addr:    mgr.Snapshot().Bind,
		Handler: svc,
		// The listen backlog and the resolver's admission bound are both
		// fixed at startup; later config reloads change neither.
		Backlog: int(mgr.Snapshot().Concurrent),
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  5 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	grp.Go("config-watch", func(ctx context.Context) error {
		// A failed reload ends the watcher but not the proxy, which keeps
		// serving from the last-good snapshot.
		if err := mgr.Watch(ctx); err != nil {
			dlog.Errorf(ctx, "config watcher stopped: %v", err)
			<-ctx.Done()
		}
		return nil
	})
	grp.Go("accept-loop", loop.Run)
	grp.Go("route-refresh", func(ctx context.Context) error {
		return refreshRoute(ctx, mgr)
	})

	err = grp.Wait()

	drain.Cancel()
	drained := make(chan struct{})
	go func() {
		drain.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		dlog.Warnf(ctx, "shutdown: requests or tunnels still open after drain timeout")
	}

	return err
}

// refreshRoute re-installs the local route whenever the CIDR prefix changes
// across a config reload, since Install is a one-shot action rather than
// something the Manager tracks itself.
func refreshRoute(ctx context.Context, mgr *config.Manager) error {
	var last *netip.Prefix
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := mgr.Snapshot().CIDR
			if cur == nil || last != nil && *cur == *last {
				continue
			}
			route.Install(ctx, *cur)
			last = cur
		}
	}
}
