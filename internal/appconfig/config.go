package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/termscript/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int                       `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string                    `mapstructure:"state_dir" yaml:"state_dir"`
	Session       SessionConfig             `mapstructure:"session" yaml:"session"`
	Logging       LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Scripts       []schema.ScriptDefinition `mapstructure:"scripts" yaml:"scripts"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// SessionConfig controls the per-session host loop.
type SessionConfig struct {
	TickIntervalMs  int      `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	OutputMaxLines  int      `mapstructure:"output_max_lines" yaml:"output_max_lines"`
	WriteTimeoutMs  int      `mapstructure:"write_timeout_ms" yaml:"write_timeout_ms"`
	CommandDenylist []string `mapstructure:"command_denylist" yaml:"command_denylist"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults and one disabled
// example script.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".termscript", "state"),
		Session: SessionConfig{
			TickIntervalMs:  50,
			OutputMaxLines:  schema.DefaultOutputMaxLines,
			WriteTimeoutMs:  2000,
			CommandDenylist: []string{},
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
		Scripts: []schema.ScriptDefinition{
			{
				Name:           "bell-logger",
				Enabled:        false,
				ScriptPath:     filepath.Join(home, ".termscript", "scripts", "bell_logger.py"),
				AutoStart:      true,
				RestartPolicy:  schema.RestartOnFailure,
				RestartDelayMs: 1000,
				Subscriptions:  []string{string(schema.EventBellRang), string(schema.EventCwdChanged)},
			},
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termscript", "config.yaml"), nil
}
