package main

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tzachbaksis/tcpovericmp/internal/config"
	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func teardownHex(t *testing.T) string {
	t.Helper()
	msg, err := protocol.Build(protocol.KindEchoReply, protocol.CodeTeardown, nil,
		netip.MustParseAddr("93.184.216.34"), 443)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return hex.EncodeToString(msg)
}

func TestDecodeCommand(t *testing.T) {
	// Run from an empty directory so no stray .env is picked up.
	t.Chdir(t.TempDir())

	dump := teardownHex(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"argument", "", []string{"decode", dump}},
		{"stdin", dump + "\n", []string{"decode"}},
		{"dash", dump, []string{"decode", "-"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, tc.stdin, tc.args...)
			if err != nil {
				t.Fatalf("decode error = %v", err)
			}
			for _, want := range []string{"ECHO_REPLY TEARDOWN", "93.184.216.34:443", "server -> client"} {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestDecodeCommand_BadInput(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := execute(t, "", "decode", "not-hex"); err == nil {
		t.Error("decode of invalid hex succeeded")
	}
}

func TestVersionCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "tcpovericmp "+Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestApplyClientFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "client"}
	f := &clientFlags{}
	bindClientFlags(cmd, f)
	if err := cmd.ParseFlags([]string{"--server", "203.0.113.7", "--target-port", "8443"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg := config.Default()
	cfg.Client.TargetHost = "example.com"
	cfg.Client.LocalListenPort = 9000

	applyClientFlags(cmd, cfg, f)

	if cfg.Client.ServerAddress != "203.0.113.7" {
		t.Errorf("server_address = %q", cfg.Client.ServerAddress)
	}
	if cfg.Client.TargetPort != 8443 {
		t.Errorf("target_port = %d", cfg.Client.TargetPort)
	}
	// Flags that were not given keep the file values.
	if cfg.Client.TargetHost != "example.com" {
		t.Errorf("target_host = %q", cfg.Client.TargetHost)
	}
	if cfg.Client.LocalListenPort != 9000 {
		t.Errorf("local_listen_port = %d", cfg.Client.LocalListenPort)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := loadConfig(&globalFlags{})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Client.LocalListenPort != 8000 {
			t.Errorf("local_listen_port = %d", cfg.Client.LocalListenPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		cfg, err := loadConfig(&globalFlags{logLevel: "DEBUG"})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("log_level = %q", cfg.LogLevel)
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		if _, err := loadConfig(&globalFlags{logLevel: "loud"}); err == nil {
			t.Error("loadConfig() accepted an invalid log level")
		}
	})

	t.Run("env expansion from env file", func(t *testing.T) {
		envPath := filepath.Join(dir, "tunnel.env")
		if err := os.WriteFile(envPath, []byte("TUNNEL_TARGET_PORT=2222\n"), 0644); err != nil {
			t.Fatal(err)
		}
		cfgPath := filepath.Join(dir, "custom.yaml")
		if err := os.WriteFile(cfgPath, []byte("client:\n  target_port: ${TUNNEL_TARGET_PORT}\n"), 0644); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Unsetenv("TUNNEL_TARGET_PORT") })

		if err := loadEnv(envPath); err != nil {
			t.Fatalf("loadEnv() error = %v", err)
		}
		cfg, err := loadConfig(&globalFlags{configPath: cfgPath})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Client.TargetPort != 2222 {
			t.Errorf("target_port = %d, want 2222", cfg.Client.TargetPort)
		}
	})

	t.Run("missing env file", func(t *testing.T) {
		if err := loadEnv(filepath.Join(dir, "absent.env")); err == nil {
			t.Error("loadEnv() of a missing file succeeded")
		}
	})
}
