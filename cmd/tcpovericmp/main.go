// Package main provides the CLI entry point for the TCP over ICMP tunnel.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tzachbaksis/tcpovericmp/internal/config"
	"github.com/tzachbaksis/tcpovericmp/internal/dissect"
	"github.com/tzachbaksis/tcpovericmp/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

const defaultConfigPath = "./tcpovericmp.yaml"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "tcpovericmp",
		Short: "Tunnel TCP connections over ICMP echo messages",
		Long: `tcpovericmp carries TCP byte streams inside ICMP echo request
and echo reply messages.

The client accepts local TCP connections and sends their bytes to the
tunnel server as echo requests. The server opens the real TCP connection
to the target and returns its bytes as echo replies. Both sides need raw
socket access (root or CAP_NET_RAW).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(g.envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file (default "+defaultConfigPath+" when present)")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Load environment variables from this file before reading the config")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(clientCmd(g))
	rootCmd.AddCommand(serverCmd(g))
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadEnv loads path, or ./.env when path is empty and the file exists.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return nil
}

// loadConfig reads the config file named by the flags. Without --config the
// default path is used when it exists, and built-in defaults otherwise.
func loadConfig(g *globalFlags) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			cfg := config.Default()
			return cfg, applyLogLevel(cfg, g.logLevel)
		}
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, applyLogLevel(cfg, g.logLevel)
}

func applyLogLevel(cfg *config.Config, level string) error {
	if level == "" {
		return nil
	}
	cfg.LogLevel = strings.ToLower(level)
	return cfg.Validate()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a client or server configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			if errors.Is(err, wizard.ErrNotTerminal) {
				return fmt.Errorf("%w; write the YAML file by hand instead", err)
			}
			return err
		},
	}
}

func decodeCmd() *cobra.Command {
	var maxPayload int

	cmd := &cobra.Command{
		Use:   "decode [hex]",
		Short: "Decode a captured tunnel datagram",
		Long: `Decode a hex dump of a tunnel datagram, with or without its IPv4
header. Reads the dump from stdin when no argument is given or the
argument is "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := decodeInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			r, err := dissect.Hex(input)
			if err != nil {
				return err
			}
			return r.Write(cmd.OutOrStdout(), maxPayload)
		},
	}

	cmd.Flags().IntVar(&maxPayload, "max-payload", 256, "Payload bytes to dump (0 for all)")

	return cmd
}

func decodeInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tcpovericmp %s (%s, %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func printBanner(w io.Writer, mode config.Mode, lines ...string) {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("tcpovericmp " + string(mode))

	detail := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	fmt.Fprintln(w, title)
	for _, l := range lines {
		fmt.Fprintln(w, detail.Render("  "+l))
	}
}
