package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	LogFile         string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("STREAMRELAY_CONFIG", ""),
		"Path to configuration file, empty for built-in defaults (env: STREAMRELAY_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("STREAMRELAY_CONFIG", ""),
		"Path to configuration file (env: STREAMRELAY_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STREAMRELAY_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STREAMRELAY_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STREAMRELAY_LOG_FORMAT", "json"),
		"Log format: json, text (env: STREAMRELAY_LOG_FORMAT)")

	fs.StringVar(&cfg.LogFile, "log-file",
		getEnv("STREAMRELAY_LOG_FILE", ""),
		"Also write logs to this rotated file (env: STREAMRELAY_LOG_FILE)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("STREAMRELAY_DEBUG", false),
		"Enable debug logging (env: STREAMRELAY_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("STREAMRELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: STREAMRELAY_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - renaming relay for EEG headset streams

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with the built-in source table against a local NATS server
  %s

  # Run with a custom config and readable logs
  %s --config=/etc/streamrelay/relay.yaml --log-format=text

  # Run with environment variables
  export STREAMRELAY_CONFIG=/etc/streamrelay/relay.json
  export STREAMRELAY_NATS_URLS=nats://broker:4222
  %s

  # Validate configuration only
  %s --config=relay.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
