package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/greenswap/chatsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file. --config wins.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file over the defaults without validating it.
// If the file does not exist, it returns the defaults.
func loadConfig() (*chatsync.Config, error) {
	cfg := chatsync.DefaultConfig()
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *chatsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := cfg.TOML()
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field by its TOML key, with dot notation for
// sections (e.g. "base_url", "sync.typing_ttl"). The value is parsed as the
// field's type.
func setConfigValue(cfg *chatsync.Config, key, value string) error {
	data, err := cfg.TOML()
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	tree := map[string]any{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}

	parts := strings.Split(key, ".")
	node := tree
	for _, section := range parts[:len(parts)-1] {
		next, ok := node[section].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config section %q (valid: transport, sync, log)", section)
		}
		node = next
	}
	field := parts[len(parts)-1]
	if _, isSection := node[field].(map[string]any); isSection {
		return fmt.Errorf("%q is a section, not a field", key)
	}

	var typed any = value
	if _, isInt := node[field].(int64); isInt {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		typed = n
	}
	node[field] = typed

	out, err := toml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	next := *cfg
	dec := toml.NewDecoder(bytes.NewReader(out)).DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return fmt.Errorf("cannot set %s: %w", key, err)
	}
	*cfg = next
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var configFlag string

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Realtime conversation sync CLI",
	Long:         "Command-line interface for chatsync.\nManage configuration, list conversations, send messages and watch live updates.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.chatsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
