// Package wizard provides an interactive setup wizard for the tunnel.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tzachbaksis/tcpovericmp/internal/config"
)

// ErrNotTerminal is returned when stdin is not an interactive terminal.
var ErrNotTerminal = errors.New("setup wizard needs an interactive terminal")

// Answers holds everything the wizard asks for.
type Answers struct {
	Mode       config.Mode
	ConfigPath string

	// Client
	ServerAddress string
	ListenPort    string
	TargetHost    string
	TargetPort    string

	// Server
	NotifyClose bool
	IdleTimeout string
	MaxBackends string

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values pre-filled in the forms.
func DefaultAnswers() Answers {
	return Answers{
		Mode:        config.ModeClient,
		ConfigPath:  "./tcpovericmp.yaml",
		ListenPort:  "8000",
		TargetPort:  "443",
		NotifyClose: true,
		IdleTimeout: "5m",
		MaxBackends: "1024",
		LogLevel:    "info",
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	Mode       config.Mode
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotTerminal
	}

	w.printBanner()

	a := DefaultAnswers()

	// Step 1: Mode and output path
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Mode specific settings
	var err error
	if a.Mode == config.ModeClient {
		err = w.askClientConfig(&a)
	} else {
		err = w.askServerConfig(&a)
	}
	if err != nil {
		return nil, err
	}

	// Step 3: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a, cfg)

	return &Result{
		Config:     cfg,
		Mode:       a.Mode,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _                                 _
 | |_ ___ _ __   _____   _____ _ __(_) ___ _ __ ___  _ __
 | __/ __| '_ \ / _ \ \ / / _ \ '__| |/ __| '_ ' _ \| '_ \
 | || (__| |_) | (_) \ V /  __/ |  | | (__| | | | | | |_) |
  \__\___| .__/ \___/ \_/ \___|_|  |_|\___|_| |_| |_| .__/
         |_|                                        |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TCP over ICMP echo - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose which side of the tunnel this host runs."),

			huh.NewSelect[config.Mode]().
				Title("Mode").
				Options(
					huh.NewOption("Client (local TCP listener, sends echo requests)", config.ModeClient),
					huh.NewOption("Server (answers echo requests, dials targets)", config.ModeServer),
				).
				Value(&a.Mode),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./tcpovericmp.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askClientConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client").
				Description("Local connections are relayed to the target through the tunnel server."),

			huh.NewInput().
				Title("Tunnel Server").
				Description("IPv4 address or hostname of the tunnel server").
				Placeholder("203.0.113.7").
				Value(&a.ServerAddress).
				Validate(required("server address")),

			huh.NewInput().
				Title("Local Listen Port").
				Value(&a.ListenPort).
				Validate(validatePort(true)),

			huh.NewInput().
				Title("Target Host").
				Description("Final destination, resolved by the client at startup").
				Placeholder("example.com").
				Value(&a.TargetHost).
				Validate(required("target host")),

			huh.NewInput().
				Title("Target Port").
				Value(&a.TargetPort).
				Validate(validatePort(false)),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askServerConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server").
				Description("The server needs raw socket access (root or CAP_NET_RAW)."),

			huh.NewConfirm().
				Title("Notify clients when a target closes?").
				Description("Sends a close notice echo reply").
				Value(&a.NotifyClose),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Close target connections idle this long (0 disables)").
				Value(&a.IdleTimeout).
				Validate(validateDuration),

			huh.NewInput().
				Title("Max Target Connections").
				Description("0 for no limit").
				Value(&a.MaxBackends).
				Validate(validateCount),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /stats, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()
	cfg.LogLevel = a.LogLevel
	cfg.LogFormat = "text"

	switch a.Mode {
	case config.ModeClient:
		listenPort, err := strconv.Atoi(a.ListenPort)
		if err != nil {
			return nil, fmt.Errorf("invalid listen port: %w", err)
		}
		targetPort, err := strconv.Atoi(a.TargetPort)
		if err != nil {
			return nil, fmt.Errorf("invalid target port: %w", err)
		}
		cfg.Client.ServerAddress = strings.TrimSpace(a.ServerAddress)
		cfg.Client.LocalListenPort = listenPort
		cfg.Client.TargetHost = strings.TrimSpace(a.TargetHost)
		cfg.Client.TargetPort = targetPort

	case config.ModeServer:
		idle, err := time.ParseDuration(a.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid idle timeout: %w", err)
		}
		maxBackends, err := strconv.Atoi(a.MaxBackends)
		if err != nil {
			return nil, fmt.Errorf("invalid max connections: %w", err)
		}
		cfg.Server.NotifyClose = a.NotifyClose
		cfg.Server.IdleTimeout = idle
		cfg.Server.MaxBackends = maxBackends
	}

	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.ValidateFor(a.Mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# tcpovericmp configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a Answers, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Mode:         %s\n", a.Mode)
	fmt.Printf("  Config file:  %s\n", a.ConfigPath)

	if a.Mode == config.ModeClient {
		fmt.Printf("  Listen:       %s\n", cfg.ListenAddress())
		fmt.Printf("  Server:       %s\n", cfg.Client.ServerAddress)
		fmt.Printf("  Target:       %s:%d\n", cfg.Client.TargetHost, cfg.Client.TargetPort)
	} else {
		fmt.Printf("  Idle timeout: %s\n", cfg.Server.IdleTimeout)
		fmt.Printf("  Max targets:  %d\n", cfg.Server.MaxBackends)
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the tunnel (raw sockets need root or CAP_NET_RAW):")
	fmt.Printf("    tcpovericmp %s -c %s\n", a.Mode, a.ConfigPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validatePort(allowZero bool) func(string) error {
	return func(s string) error {
		port, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("port must be a number")
		}
		lo := 1
		if allowZero {
			lo = 0
		}
		if port < lo || port > 65535 {
			return fmt.Errorf("port must be between %d and 65535", lo)
		}
		return nil
	}
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("use a duration like 90s or 5m")
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

func validateCount(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

