// Command bedrockproxyd runs the Bedrock server management daemon: a
// UDP relay and process supervisor per managed server, fronted by a
// WebSocket control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carlosrabelo/bedrockproxyd/internal/controlplane"
	"github.com/carlosrabelo/bedrockproxyd/internal/detector"
	"github.com/carlosrabelo/bedrockproxyd/internal/metrics"
	"github.com/carlosrabelo/bedrockproxyd/internal/proxysocks"
	"github.com/carlosrabelo/bedrockproxyd/internal/ratelimit"
	"github.com/carlosrabelo/bedrockproxyd/internal/servermanager"
	"github.com/carlosrabelo/bedrockproxyd/internal/store"
	"github.com/carlosrabelo/bedrockproxyd/internal/supervisor"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

const metricsSyncInterval = 10 * time.Second

// defaultListenAddress honors the PORT environment variable (overriding
// the control-plane listen port) and otherwise falls back to 8080.
func defaultListenAddress() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return "127.0.0.1:" + port
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "bedrockproxyd",
		Short: "Management daemon for Bedrock Dedicated Server instances",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Default.SetDebug(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newRunCmd(), newMigrateCmd(), newDetectCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var dataDir string
	var listenAddress string
	var socksHost string
	var socksPort int
	var socksUsername string
	var socksPassword string
	var rateLimitEnabled bool
	var maxConnsPerIP int
	var maxConnsPerMinute int
	var banDurationSeconds int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var socksCfg *proxysocks.Config
			if socksHost != "" {
				socksCfg = &proxysocks.Config{
					Enabled:  true,
					Type:     "socks5",
					Host:     socksHost,
					Port:     socksPort,
					Username: socksUsername,
					Password: socksPassword,
				}
			}
			rateLimitCfg := &ratelimit.Config{
				Enabled:                rateLimitEnabled,
				MaxSessionsPerIP:       maxConnsPerIP,
				MaxSessionsPerMinute:   maxConnsPerMinute,
				BanDurationSeconds:     banDurationSeconds,
				CleanupIntervalSeconds: 60,
			}
			return runDaemon(cmd.Context(), dataDir, listenAddress, socksCfg, rateLimitCfg)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: user documents folder)")
	cmd.Flags().StringVar(&listenAddress, "listen", defaultListenAddress(), "control-plane HTTP/WebSocket listen address")
	cmd.Flags().StringVar(&socksHost, "forward-socks-host", "", "SOCKS5 proxy host for reserved-backup forwardAddress reachability probes (unset = dial directly)")
	cmd.Flags().IntVar(&socksPort, "forward-socks-port", 1080, "SOCKS5 proxy port")
	cmd.Flags().StringVar(&socksUsername, "forward-socks-username", "", "SOCKS5 proxy username")
	cmd.Flags().StringVar(&socksPassword, "forward-socks-password", "", "SOCKS5 proxy password")
	cmd.Flags().BoolVar(&rateLimitEnabled, "rate-limit", false, "enable per-client-IP connection rate limiting on every managed proxy")
	cmd.Flags().IntVar(&maxConnsPerIP, "rate-limit-max-connections", 100, "max simultaneous sessions from a single IP")
	cmd.Flags().IntVar(&maxConnsPerMinute, "rate-limit-max-per-minute", 60, "max new sessions per minute from a single IP")
	cmd.Flags().IntVar(&banDurationSeconds, "rate-limit-ban-seconds", 300, "ban duration, in seconds, once a limit is exceeded")
	return cmd
}

func runDaemon(parentCtx context.Context, dataDir, listenAddress string, socksCfg *proxysocks.Config, rateLimitCfg *ratelimit.Config) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := logger.Default
	st, err := store.New(dataDir)
	if err != nil {
		l.Error("failed to open data directory: %v", err)
		return err
	}

	m := metrics.NewCollector()
	prom := metrics.InitPrometheus("bedrockproxyd")
	sup := supervisor.New(m, l)

	var ctrl *controlplane.Server
	mgr := servermanager.New(ctx, st, sup, m, l, func(ev servermanager.Event) {
		ctrl.Router.Broadcast(ev)
	})
	ctrl = controlplane.NewServer(listenAddress, mgr, st, m, l)

	if socksCfg != nil {
		if err := mgr.SetForwardProxy(socksCfg); err != nil {
			l.Error("failed to configure forward SOCKS5 proxy: %v", err)
			return err
		}
	}
	mgr.SetRateLimit(rateLimitCfg)

	if err := mgr.LoadAll(); err != nil {
		l.Error("failed to load server catalogue: %v", err)
		return err
	}
	if err := ctrl.Start(); err != nil {
		l.Error("failed to start control plane: %v", err)
		return err
	}

	stopMetricsSync := make(chan struct{})
	go syncMetricsLoop(m, prom, stopMetricsSync)

	l.Info("bedrockproxyd started, data dir=%s listen=%s", dataDir, listenAddress)

	<-ctx.Done()
	l.Info("shutdown signal received")

	mgr.StopAllServers()
	close(stopMetricsSync)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		l.Error("control plane shutdown error: %v", err)
	}

	sup.CleanupAll()
	l.Info("bedrockproxyd stopped cleanly")
	return nil
}

func syncMetricsLoop(m *metrics.Collector, prom *metrics.PrometheusCollectors, stop <-chan struct{}) {
	ticker := time.NewTicker(metricsSyncInterval)
	defer ticker.Stop()

	prev := m.Snapshot()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			prev = prom.UpdateFromCollector(m, &prev)
		}
	}
}

func newMigrateCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Load and rewrite the server catalogue against the current schema, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(dataDir)
			if err != nil {
				return err
			}
			records, err := st.LoadServers()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d server records\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: user documents folder)")
	return cmd
}

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [executable-path]",
		Short: "Probe a Bedrock server executable and print a proposed configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proposal, err := detector.Detect(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(proposal)
		},
	}
	return cmd
}
