// Package config provides configuration parsing and validation for the
// tunnel client and server.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tzachbaksis/tcpovericmp/internal/client"
	"github.com/tzachbaksis/tcpovericmp/internal/icmp"
	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
	"github.com/tzachbaksis/tcpovericmp/internal/server"
)

// Mode selects which side of the tunnel a configuration is validated for.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Config represents the complete configuration file.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	ICMP   ICMPConfig   `yaml:"icmp"`
	Health HealthConfig `yaml:"health"`
}

// ClientConfig contains client side settings.
type ClientConfig struct {
	ServerAddress   string        `yaml:"server_address"` // tunnel server IP or hostname
	ListenHost      string        `yaml:"listen_host"`
	LocalListenPort int           `yaml:"local_listen_port"`
	TargetHost      string        `yaml:"target_host"` // resolved once at startup
	TargetPort      int           `yaml:"target_port"`
	BufferSize      int           `yaml:"buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	LingerTimeout   time.Duration `yaml:"linger_timeout"` // after local half-close, 0 = wait for close notice
}

// ServerConfig contains server side settings.
type ServerConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // 0 disables eviction
	MaxBackends    int           `yaml:"max_backends"` // 0 = unlimited
	ConnectRate    float64       `yaml:"connect_rate"` // dials per second, 0 = unlimited
	NotifyClose    bool          `yaml:"notify_close"`
	BufferSize     int           `yaml:"buffer_size"`
	WriteQueue     int           `yaml:"write_queue"` // payloads queued per backend
}

// ICMPConfig contains raw socket settings shared by both sides.
type ICMPConfig struct {
	BindAddress    string `yaml:"bind_address"`
	VerifyChecksum bool   `yaml:"verify_checksum"`
	TTL            int    `yaml:"ttl"`
	ReadBuffer     int    `yaml:"read_buffer"`
	WriteBuffer    int    `yaml:"write_buffer"`
	MaxDatagram    int    `yaml:"max_datagram"`
}

// HealthConfig defines the optional HTTP health server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Client: ClientConfig{
			ListenHost:      "0.0.0.0",
			LocalListenPort: 8000,
			BufferSize:      1024,
			WriteTimeout:    10 * time.Second,
			LingerTimeout:   5 * time.Second,
		},
		Server: ServerConfig{
			ConnectTimeout: 5 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    5 * time.Minute,
			MaxBackends:    1024,
			ConnectRate:    100,
			NotifyClose:    true,
			BufferSize:     1024,
			WriteQueue:     256,
		},
		ICMP: ICMPConfig{
			BindAddress:    "0.0.0.0",
			VerifyChecksum: true,
			ReadBuffer:     4 << 20,
			WriteBuffer:    4 << 20,
			MaxDatagram:    65535,
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR with values from
// the environment. Unknown variables without a default are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1:]
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		}

		if varName, def, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return def
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the settings shared by both modes.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if ip, err := netip.ParseAddr(c.ICMP.BindAddress); err != nil || !ip.Is4() {
		errs = append(errs, fmt.Sprintf("icmp.bind_address must be an IPv4 address: %q", c.ICMP.BindAddress))
	}
	if c.ICMP.MaxDatagram < 576 || c.ICMP.MaxDatagram > 65535 {
		errs = append(errs, "icmp.max_datagram must be between 576 and 65535")
	}
	if c.ICMP.TTL < 0 || c.ICMP.TTL > 255 {
		errs = append(errs, "icmp.ttl must be between 0 and 255")
	}
	if c.ICMP.ReadBuffer < 0 || c.ICMP.WriteBuffer < 0 {
		errs = append(errs, "icmp.read_buffer and icmp.write_buffer must not be negative")
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address is invalid: %v", err))
		}
	}

	return joinErrors(errs)
}

// ValidateFor runs Validate plus the checks for one mode.
func (c *Config) ValidateFor(mode Mode) error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errs []string
	switch mode {
	case ModeClient:
		cl := c.Client
		if cl.ServerAddress == "" {
			errs = append(errs, "client.server_address is required")
		}
		if cl.TargetHost == "" {
			errs = append(errs, "client.target_host is required")
		}
		if !isValidPort(cl.TargetPort) {
			errs = append(errs, fmt.Sprintf("client.target_port must be between 1 and 65535: %d", cl.TargetPort))
		}
		if cl.LocalListenPort < 0 || cl.LocalListenPort > 65535 {
			errs = append(errs, fmt.Sprintf("client.local_listen_port must be between 0 and 65535: %d", cl.LocalListenPort))
		}
		if cl.BufferSize < 1 || cl.BufferSize > maxPayload(c.ICMP.MaxDatagram) {
			errs = append(errs, fmt.Sprintf("client.buffer_size must be between 1 and %d", maxPayload(c.ICMP.MaxDatagram)))
		}
		if cl.LingerTimeout < 0 {
			errs = append(errs, "client.linger_timeout must not be negative")
		}
	case ModeServer:
		sv := c.Server
		if sv.ConnectTimeout <= 0 {
			errs = append(errs, "server.connect_timeout must be positive")
		}
		if sv.IdleTimeout < 0 {
			errs = append(errs, "server.idle_timeout must not be negative")
		}
		if sv.MaxBackends < 0 {
			errs = append(errs, "server.max_backends must not be negative")
		}
		if sv.ConnectRate < 0 {
			errs = append(errs, "server.connect_rate must not be negative")
		}
		if sv.BufferSize < 1 || sv.BufferSize > maxPayload(c.ICMP.MaxDatagram) {
			errs = append(errs, fmt.Sprintf("server.buffer_size must be between 1 and %d", maxPayload(c.ICMP.MaxDatagram)))
		}
		if sv.WriteQueue < 1 {
			errs = append(errs, "server.write_queue must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown mode: %s", mode))
	}

	return joinErrors(errs)
}

// ListenAddress returns the client listen address as host:port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Client.ListenHost, strconv.Itoa(c.Client.LocalListenPort))
}

// ICMPSocketConfig returns the raw socket settings.
func (c *Config) ICMPSocketConfig() icmp.Config {
	return icmp.Config{
		BindAddress: c.ICMP.BindAddress,
		TTL:         c.ICMP.TTL,
		ReadBuffer:  c.ICMP.ReadBuffer,
		WriteBuffer: c.ICMP.WriteBuffer,
		MaxDatagram: c.ICMP.MaxDatagram,
	}
}

// ClientEngineConfig returns the client engine settings for the resolved
// server and target addresses.
func (c *Config) ClientEngineConfig(serverAddr netip.Addr, target netip.AddrPort) client.Config {
	return client.Config{
		ServerAddr:     serverAddr,
		ListenAddress:  c.ListenAddress(),
		Destination:    target,
		BufferSize:     c.Client.BufferSize,
		WriteTimeout:   c.Client.WriteTimeout,
		LingerTimeout:  c.Client.LingerTimeout,
		VerifyChecksum: c.ICMP.VerifyChecksum,
		MaxDatagram:    c.ICMP.MaxDatagram,
	}
}

// ServerEngineConfig returns the server engine settings.
func (c *Config) ServerEngineConfig() server.Config {
	return server.Config{
		ConnectTimeout: c.Server.ConnectTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		MaxBackends:    c.Server.MaxBackends,
		ConnectRate:    c.Server.ConnectRate,
		NotifyClose:    c.Server.NotifyClose,
		BufferSize:     c.Server.BufferSize,
		WriteQueue:     c.Server.WriteQueue,
		VerifyChecksum: c.ICMP.VerifyChecksum,
		MaxDatagram:    c.ICMP.MaxDatagram,
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// maxPayload is the largest payload that fits in one datagram.
func maxPayload(maxDatagram int) int {
	return maxDatagram - protocol.MinDatagramLen
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
