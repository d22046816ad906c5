package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.evtail/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Output  ConfigOutput  `toml:"output"`
}

// ConfigDefault holds connection settings applied to every tail.
type ConfigDefault struct {
	Retry            string `toml:"retry"`
	HeartbeatTimeout string `toml:"heartbeat_timeout"`
	WithCredentials  bool   `toml:"with_credentials"`
}

// ConfigOutput holds output formatting settings.
type ConfigOutput struct {
	Format string `toml:"format"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.evtail, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".evtail")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.retry").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.retry)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "retry":
			cfg.Default.Retry = value
		case "heartbeat_timeout":
			cfg.Default.HeartbeatTimeout = value
		case "with_credentials":
			cfg.Default.WithCredentials = value == "true"
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "output":
		switch field {
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("output.format must be \"text\" or \"json\"")
			}
			cfg.Output.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [output]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, output)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "evtail",
	Short: "Tail server-sent event streams",
	Long:  "Command-line client for text/event-stream endpoints.\nConnects, reconnects, and prints decoded events as they arrive.",
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
