package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/quietbridge/internal/metrics"
	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/session"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"WARN", slog.LevelWarn},    // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug && logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
			}
		})
	}
}

// parse runs the CLI parser over args and returns the serve flags.
func parse(t *testing.T, args ...string) (*serveCmd, error) {
	t.Helper()
	var c cli
	parser, err := newParser(&c)
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, err
	}
	if cmd := kctx.Command(); cmd != "serve" {
		t.Errorf("command = %q, want serve", cmd)
	}
	return &c.Serve, nil
}

func TestParseDefaults(t *testing.T) {
	s, err := parse(t)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := serveCmd{
		ListenPort:           25565,
		ConnectHost:          "127.0.0.1",
		ConnectPort:          25565,
		OnlineMode:           true,
		Credentials:          profile.DefaultStorePath(),
		MOTD:                 "Proxy Server",
		CompressionThreshold: 256,
		ConnectTimeout:       30 * time.Second,
		TCPKeepAlive:         30 * time.Second,
		SessionServer:        session.DefaultBaseURL,
		LogLevel:             "info",
		MetricsMaxPlayers:    500,
	}
	if *s != want {
		t.Errorf("defaults = %+v\nwant %+v", *s, want)
	}
}

func TestParseFlags(t *testing.T) {
	s, err := parse(t,
		"-a", "0.0.0.0", "-p", "25566", "-b", "mc.example.com", "-q", "25570",
		"--no-online-mode", "--motd", "Quiet", "--compression-threshold=-1",
		"--connect-timeout", "5s",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.ListenHost != "0.0.0.0" || s.ListenPort != 25566 {
		t.Errorf("listen = %s:%d", s.ListenHost, s.ListenPort)
	}
	if s.ConnectHost != "mc.example.com" || s.ConnectPort != 25570 {
		t.Errorf("connect = %s:%d", s.ConnectHost, s.ConnectPort)
	}
	if s.OnlineMode {
		t.Error("--no-online-mode did not disable online mode")
	}
	if s.MOTD != "Quiet" || s.CompressionThreshold != -1 || s.ConnectTimeout != 5*time.Second {
		t.Errorf("motd=%q threshold=%d timeout=%v", s.MOTD, s.CompressionThreshold, s.ConnectTimeout)
	}
}

func TestParseEnv(t *testing.T) {
	t.Setenv("QUIETBRIDGE_CONNECT_HOST", "10.0.0.5")
	t.Setenv("QUIETBRIDGE_CONNECT_PORT", "25600")
	t.Setenv("QUIETBRIDGE_ONLINE_MODE", "false")
	t.Setenv("QUIETBRIDGE_METRICS_ADDR", ":9090")

	s, err := parse(t)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.ConnectHost != "10.0.0.5" || s.ConnectPort != 25600 {
		t.Errorf("connect = %s:%d, want env values", s.ConnectHost, s.ConnectPort)
	}
	if s.OnlineMode {
		t.Error("QUIETBRIDGE_ONLINE_MODE=false ignored")
	}
	if s.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q", s.MetricsAddr)
	}

	// Flags win over the environment.
	s, err = parse(t, "-b", "flag-host")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.ConnectHost != "flag-host" {
		t.Errorf("connect host = %q, want flag value", s.ConnectHost)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"listen port", []string{"-p", "70000"}, "--listen-port"},
		{"connect port", []string{"--connect-port=-1"}, "--connect-port"},
		{"empty connect host", []string{"--connect-host="}, "--connect-host"},
		{"max connections", []string{"--max-connections=-2"}, "--max-connections"},
		{"metrics max players", []string{"--metrics-max-players=-1"}, "--metrics-max-players"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			if err == nil {
				t.Fatal("parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestListenerConfig(t *testing.T) {
	s, err := parse(t, "--credentials", "/tmp/accounts.json", "--max-connections", "4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	cfg := s.listenerConfig(logger, m, nil)

	if cfg.ConnectHost != "127.0.0.1" || cfg.ConnectPort != 25565 || cfg.MaxConnections != 4 {
		t.Errorf("config = %+v", cfg)
	}
	store, ok := cfg.Resolver.Store.(profile.FileStore)
	if !ok || store.Path != "/tmp/accounts.json" {
		t.Errorf("store = %#v, want FileStore at /tmp/accounts.json", cfg.Resolver.Store)
	}
	if cfg.Session.BaseURL != session.DefaultBaseURL {
		t.Errorf("session base URL = %q", cfg.Session.BaseURL)
	}
	if cfg.Metrics != m || cfg.Audit != nil {
		t.Error("metrics and audit not passed through")
	}
}

func TestResolveMetricsDisabled(t *testing.T) {
	s := &serveCmd{}
	m, hub, err := s.resolveMetrics(context.Background(), slog.Default())
	if err != nil || m != nil || hub != nil {
		t.Errorf("resolveMetrics = %v, %v, %v; want all nil", m, hub, err)
	}
}
