package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tzachbaksis/tcpovericmp/internal/client"
	"github.com/tzachbaksis/tcpovericmp/internal/config"
	"github.com/tzachbaksis/tcpovericmp/internal/health"
	"github.com/tzachbaksis/tcpovericmp/internal/icmp"
	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/metrics"
	"github.com/tzachbaksis/tcpovericmp/internal/server"
)

// clientFlags override the client section of the config file.
type clientFlags struct {
	server     string
	listenPort int
	targetHost string
	targetPort int
}

func clientCmd(g *globalFlags) *cobra.Command {
	f := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client",
		Long: `Listen for local TCP connections and relay each one to the target
through the tunnel server. Target and server names are resolved once at
startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			applyClientFlags(cmd, cfg, f)
			if err := cfg.ValidateFor(config.ModeClient); err != nil {
				return err
			}
			return runClient(cmd, cfg)
		},
	}

	bindClientFlags(cmd, f)

	return cmd
}

func bindClientFlags(cmd *cobra.Command, f *clientFlags) {
	cmd.Flags().StringVar(&f.server, "server", "", "Tunnel server IPv4 address or hostname")
	cmd.Flags().IntVar(&f.listenPort, "listen-port", 8000, "Local TCP port to accept connections on")
	cmd.Flags().StringVar(&f.targetHost, "target-host", "", "Final destination host")
	cmd.Flags().IntVar(&f.targetPort, "target-port", 0, "Final destination TCP port")
}

// applyClientFlags copies explicitly set flags over the config values.
func applyClientFlags(cmd *cobra.Command, cfg *config.Config, f *clientFlags) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.ServerAddress = f.server
	}
	if flags.Changed("listen-port") {
		cfg.Client.LocalListenPort = f.listenPort
	}
	if flags.Changed("target-host") {
		cfg.Client.TargetHost = f.targetHost
	}
	if flags.Changed("target-port") {
		cfg.Client.TargetPort = f.targetPort
	}
}

func runClient(cmd *cobra.Command, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverIP, err := client.ResolveIPv4(ctx, cfg.Client.ServerAddress)
	if err != nil {
		return fmt.Errorf("resolve tunnel server: %w", err)
	}
	targetIP, err := client.ResolveIPv4(ctx, cfg.Client.TargetHost)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	target := netip.AddrPortFrom(targetIP, uint16(cfg.Client.TargetPort))

	sock, err := icmp.Open(cfg.ICMPSocketConfig())
	if err != nil {
		return err
	}

	m := metrics.Default()
	c := client.New(cfg.ClientEngineConfig(serverIP, target), sock, logger, m)
	if err := c.Start(ctx); err != nil {
		sock.Close()
		return fmt.Errorf("failed to start client: %w", err)
	}

	hs, err := startHealth(cfg, config.ModeClient, c, m, logger)
	if err != nil {
		c.Stop()
		return err
	}

	printBanner(cmd.OutOrStdout(), config.ModeClient,
		"listen  "+c.Addr().String(),
		"server  "+serverIP.String(),
		"target  "+target.String()+" ("+cfg.Client.TargetHost+")")

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")

	if hs != nil {
		hs.Stop()
	}
	return c.Stop()
}

func serverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server",
		Long: `Answer tunnel echo requests: open a TCP connection to each requested
target and return the target's bytes as echo replies. Kernel echo replies
should be disabled (net.ipv4.icmp_echo_ignore_all=1) so clients only see
tunnel replies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := cfg.ValidateFor(config.ModeServer); err != nil {
				return err
			}
			return runServer(cmd, cfg)
		},
	}
}

func runServer(cmd *cobra.Command, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sock, err := icmp.Open(cfg.ICMPSocketConfig())
	if err != nil {
		return err
	}

	m := metrics.Default()
	s := server.New(cfg.ServerEngineConfig(), sock, logger, m)

	hs, err := startHealth(cfg, config.ModeServer, s, m, logger)
	if err != nil {
		s.Close()
		return err
	}
	if hs != nil {
		defer hs.Stop()
	}

	printBanner(cmd.OutOrStdout(), config.ModeServer,
		"icmp    "+cfg.ICMP.BindAddress,
		fmt.Sprintf("limits  %d backends, %.0f dials/s", cfg.Server.MaxBackends, cfg.Server.ConnectRate))

	return s.Run(ctx)
}

// startHealth starts the health server when enabled. It returns nil when
// disabled.
func startHealth(cfg *config.Config, mode config.Mode, provider health.StatsProvider, m *metrics.Metrics, logger *slog.Logger) (*health.Server, error) {
	if !cfg.Health.Enabled {
		return nil, nil
	}

	hcfg := health.DefaultServerConfig()
	hcfg.Address = cfg.Health.Address
	hcfg.Mode = string(mode)

	hs := health.NewServer(hcfg, provider, m.Gatherer(), logger)
	if err := hs.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	return hs, nil
}
