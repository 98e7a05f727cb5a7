package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/termscript/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults with no scripts.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Scripts = nil

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("session.tick_interval_ms", cfg.Session.TickIntervalMs)
	v.SetDefault("session.output_max_lines", cfg.Session.OutputMaxLines)
	v.SetDefault("session.write_timeout_ms", cfg.Session.WriteTimeoutMs)
	v.SetDefault("session.command_denylist", cfg.Session.CommandDenylist)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Scripts = nil
	if configLoaded {
		scripts, err := readScripts(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Scripts = scripts
	}
	expandConfigEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readScripts decodes the scripts list straight from YAML so env keys keep
// their case. Definitions without an enabled key default to enabled.
func readScripts(path string) ([]schema.ScriptDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var typed struct {
		Scripts []schema.ScriptDefinition `yaml:"scripts"`
	}
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("scripts: %w", err)
	}
	var raw struct {
		Scripts []map[string]any `yaml:"scripts"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("scripts: %w", err)
	}
	for i := range typed.Scripts {
		if i < len(raw.Scripts) {
			if _, ok := raw.Scripts[i]["enabled"]; !ok {
				typed.Scripts[i].Enabled = true
			}
		}
	}
	return typed.Scripts, nil
}

// Validate checks session limits and normalizes every script definition in place.
func Validate(cfg *Config) error {
	if cfg.Session.TickIntervalMs <= 0 {
		return fmt.Errorf("session.tick_interval_ms must be positive")
	}
	if cfg.Session.OutputMaxLines <= 0 {
		return fmt.Errorf("session.output_max_lines must be positive")
	}
	if cfg.Session.WriteTimeoutMs < 0 {
		return fmt.Errorf("session.write_timeout_ms must not be negative")
	}
	scripts, err := schema.NormalizeDefinitions(cfg.Scripts)
	if err != nil {
		return err
	}
	cfg.Scripts = scripts
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	for i := range cfg.Scripts {
		cfg.Scripts[i].ScriptPath = expandEnv(cfg.Scripts[i].ScriptPath)
		cfg.Scripts[i].Interpreter = expandEnv(cfg.Scripts[i].Interpreter)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
