package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	capPipe         string
	clientDir       string
	pollInterval    time.Duration
	inboxSize       int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	capPipe := flag.String("cap", "/tmp/pipebus/cap.fifo", "Common Access Pipe path")
	clientDir := flag.String("client-dir", "/tmp/pipebus/clients", "Directory for per-client FIFO pairs")
	pollInterval := flag.Duration("poll-interval", 100*time.Millisecond, "Main loop cadence for CAP and worker processing")
	inboxSize := flag.Int("inbox-size", 256, "Per-worker inbox buffer (messages)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default pipebus-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.capPipe = *capPipe
	cfg.clientDir = *clientDir
	cfg.pollInterval = *pollInterval
	cfg.inboxSize = *inboxSize
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not touch the filesystem – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.capPipe == "" {
		return errors.New("cap must not be empty")
	}
	if c.clientDir == "" {
		return errors.New("client-dir must not be empty")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.inboxSize <= 0 {
		return fmt.Errorf("inbox-size must be > 0 (got %d)", c.inboxSize)
	}
	return nil
}

// applyEnvOverrides maps PIPEBUS_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored,
// except PIPEBUS_METRICS, where an empty value disables the metrics endpoint.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["cap"]; !ok {
		if v, ok := get("PIPEBUS_CAP"); ok && v != "" {
			c.capPipe = v
		}
	}
	if _, ok := set["client-dir"]; !ok {
		if v, ok := get("PIPEBUS_CLIENT_DIR"); ok && v != "" {
			c.clientDir = v
		}
	}
	if _, ok := set["poll-interval"]; !ok {
		if v, ok := get("PIPEBUS_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid PIPEBUS_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["inbox-size"]; !ok {
		if v, ok := get("PIPEBUS_INBOX_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.inboxSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid PIPEBUS_INBOX_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("PIPEBUS_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("PIPEBUS_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("PIPEBUS_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("PIPEBUS_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid PIPEBUS_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("PIPEBUS_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("PIPEBUS_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
