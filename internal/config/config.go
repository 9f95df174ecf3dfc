package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultProvider      = "sockets"
	defaultListenAddress = ":9879"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultWaitMode      = "none"
	defaultProbeTimeout  = 5 * time.Second
)

// Config captures naofi-probe's runtime configuration: which provider and
// domain to open, where to listen, and how long a loopback probe may run
// before it's reported as failed (spec §4.1, §4.6).
type Config struct {
	Provider      string
	DomainName    string
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	WaitMode      string
	ProbeTimeout  time.Duration
	ShowVersion   bool
}

// Parse constructs a Config from command-line flags and environment
// variables.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("naofi-probe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	provider := fs.String("provider", envOrDefault("NAOFI_PROBE_PROVIDER", defaultProvider), "Fabric provider name to open (sockets, tcp, verbs, psm2, gni).")
	domainName := fs.String("domain", envOrDefault("NAOFI_PROBE_DOMAIN", ""), "Domain name to open; empty selects the provider's default domain.")
	listen := fs.String("listen-address", envOrDefault("NAOFI_PROBE_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for HTTP requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("NAOFI_PROBE_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("NAOFI_PROBE_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("NAOFI_PROBE_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	waitMode := fs.String("wait-mode", envOrDefault("NAOFI_PROBE_WAIT_MODE", defaultWaitMode), "Context wait mode (none, fd, set).")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	timeoutDefault := defaultProbeTimeout
	if envTimeout := os.Getenv("NAOFI_PROBE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid NAOFI_PROBE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	probeTimeout := fs.Duration("probe-timeout", timeoutDefault, "Maximum duration to wait for a loopback probe to complete.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}
	if _, err := parseWaitMode(*waitMode); err != nil {
		return cfg, err
	}

	cfg = Config{
		Provider:      *provider,
		DomainName:    *domainName,
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		LogLevel:      level,
		WaitMode:      *waitMode,
		ProbeTimeout:  *probeTimeout,
		ShowVersion:   *showVersion,
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}

func parseWaitMode(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "fd", "set", "":
		return value, nil
	default:
		return "", fmt.Errorf("invalid wait mode %q", value)
	}
}
