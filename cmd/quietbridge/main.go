package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/philsphicas/quietbridge/internal/audit"
	"github.com/philsphicas/quietbridge/internal/listener"
	"github.com/philsphicas/quietbridge/internal/metrics"
	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/session"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

type cli struct {
	Serve              serveCmd                     `cmd:"" default:"withargs" help:"Run the proxy (default command)."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

type serveCmd struct {
	ListenHost  string `short:"a" env:"QUIETBRIDGE_LISTEN_HOST" help:"Address to accept Minecraft clients on (all interfaces if empty)."`
	ListenPort  int    `short:"p" default:"25565" env:"QUIETBRIDGE_LISTEN_PORT" help:"Port to accept Minecraft clients on."`
	ConnectHost string `short:"b" default:"127.0.0.1" env:"QUIETBRIDGE_CONNECT_HOST" help:"Upstream server host."`
	ConnectPort int    `short:"q" default:"25565" env:"QUIETBRIDGE_CONNECT_PORT" help:"Upstream server port."`

	OnlineMode           bool          `default:"true" negatable:"" env:"QUIETBRIDGE_ONLINE_MODE" help:"Verify players with the session service."`
	Credentials          string        `default:"${credentials}" env:"QUIETBRIDGE_CREDENTIALS" help:"Launcher accounts file holding the upstream account."`
	MOTD                 string        `name:"motd" default:"Proxy Server" env:"QUIETBRIDGE_MOTD" help:"Server-list description."`
	CompressionThreshold int           `default:"256" env:"QUIETBRIDGE_COMPRESSION_THRESHOLD" help:"Client compression threshold in bytes (negative disables)."`
	MaxConnections       int           `default:"0" env:"QUIETBRIDGE_MAX_CONNECTIONS" help:"Max concurrent client connections (0 = unlimited)."`
	ConnectTimeout       time.Duration `default:"30s" env:"QUIETBRIDGE_CONNECT_TIMEOUT" help:"Timeout for the upstream dial and each login."`
	TCPKeepAlive         time.Duration `name:"tcp-keepalive" default:"30s" env:"QUIETBRIDGE_TCP_KEEPALIVE" help:"TCP keepalive interval."`
	SessionServer        string        `default:"${session_server}" env:"QUIETBRIDGE_SESSION_SERVER" help:"Session service base URL."`

	LogLevel          string `default:"info" env:"QUIETBRIDGE_LOG_LEVEL" help:"Log level (debug, info, warn, error)."`
	MetricsAddr       string `env:"QUIETBRIDGE_METRICS_ADDR" help:"Address for the Prometheus metrics and audit server (e.g. :9090); disabled if empty."`
	MetricsMaxPlayers int    `default:"500" env:"QUIETBRIDGE_METRICS_MAX_PLAYERS" help:"Max unique player labels in metrics (0 = unlimited)."`
}

func newParser(c *cli, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("quietbridge"),
		kong.Description("Minecraft chat relay with quiet mode. The upstream session survives client disconnects."),
		kong.UsageOnError(),
		kong.Vars{
			"version":        version,
			"credentials":    profile.DefaultStorePath(),
			"session_server": session.DefaultBaseURL,
		},
	}, options...)
	return kong.New(c, options...)
}

func main() {
	var c cli
	parser, err := newParser(&c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run())
}

// Validate is called by kong after parsing.
func (s *serveCmd) Validate() error {
	for _, p := range []struct {
		name string
		port int
	}{{"--listen-port", s.ListenPort}, {"--connect-port", s.ConnectPort}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s must be between 0 and 65535, got %d", p.name, p.port)
		}
	}
	if s.ConnectHost == "" {
		return fmt.Errorf("--connect-host is required")
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0, got %d", s.MaxConnections)
	}
	if s.MetricsMaxPlayers < 0 {
		return fmt.Errorf("--metrics-max-players must be >= 0, got %d", s.MetricsMaxPlayers)
	}
	return nil
}

func (s *serveCmd) Run() error {
	logger := newLogger(s.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, hub, err := s.resolveMetrics(ctx, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	logger.Info("starting", "version", version)
	if err := listener.ListenAndServe(ctx, s.listenerConfig(logger, m, hub)); err != nil {
		return err
	}
	logger.Info("shut down")
	return nil
}

func (s *serveCmd) listenerConfig(logger *slog.Logger, m *metrics.Metrics, hub *audit.Hub) listener.Config {
	return listener.Config{
		ListenHost:           s.ListenHost,
		ListenPort:           s.ListenPort,
		ConnectHost:          s.ConnectHost,
		ConnectPort:          s.ConnectPort,
		OnlineMode:           s.OnlineMode,
		MOTD:                 s.MOTD,
		CompressionThreshold: s.CompressionThreshold,
		MaxConnections:       s.MaxConnections,
		ConnectTimeout:       s.ConnectTimeout,
		TCPKeepAlive:         s.TCPKeepAlive,
		Resolver: &profile.Resolver{
			Store:  profile.FileStore{Path: s.Credentials},
			Logger: logger,
		},
		Session: session.NewClient(s.SessionServer),
		Logger:  logger,
		Metrics: m,
		Audit:   hub,
	}
}

// resolveMetrics creates a Metrics instance and an audit hub and starts the
// HTTP server if --metrics-addr is set. Both are nil when it is not. The
// provided context controls the server's lifetime.
func (s *serveCmd) resolveMetrics(ctx context.Context, logger *slog.Logger) (*metrics.Metrics, *audit.Hub, error) {
	if s.MetricsAddr == "" {
		return nil, nil, nil
	}
	ln, err := net.Listen("tcp", s.MetricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen on %s: %w", s.MetricsAddr, err)
	}
	m := metrics.New()
	m.MaxPlayers = s.MetricsMaxPlayers
	hub := audit.NewHub(logger)
	go func() {
		if err := m.Serve(ctx, ln, logger, map[string]http.Handler{"/audit": hub}); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, hub, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
