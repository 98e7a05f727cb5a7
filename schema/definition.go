package schema

import "time"

// RestartPolicy controls whether an exited script is respawned.
type RestartPolicy string

const (
	// RestartNever leaves exited scripts stopped.
	RestartNever RestartPolicy = "never"
	// RestartOnFailure respawns scripts that exited uncleanly.
	RestartOnFailure RestartPolicy = "on_failure"
	// RestartAlways respawns scripts after any exit that was not an explicit stop.
	RestartAlways RestartPolicy = "always"
)

const (
	// DefaultWriteTextRate is the default WriteText allowance per second.
	DefaultWriteTextRate = 10
	// DefaultRunCommandRate is the default RunCommand allowance per second.
	DefaultRunCommandRate = 1
	// DefaultOutputMaxLines caps the per-script log surface.
	DefaultOutputMaxLines = 200
)

// ScriptDefinition describes one configured script.
type ScriptDefinition struct {
	Name                string            `mapstructure:"name" yaml:"name"`
	Enabled             bool              `mapstructure:"enabled" yaml:"enabled"`
	ScriptPath          string            `mapstructure:"script_path" yaml:"script_path"`
	Interpreter         string            `mapstructure:"interpreter" yaml:"interpreter,omitempty"`
	Args                []string          `mapstructure:"args" yaml:"args,omitempty"`
	AutoStart           bool              `mapstructure:"auto_start" yaml:"auto_start"`
	RestartPolicy       RestartPolicy     `mapstructure:"restart_policy" yaml:"restart_policy"`
	RestartDelayMs      int               `mapstructure:"restart_delay_ms" yaml:"restart_delay_ms"`
	Subscriptions       []string          `mapstructure:"subscriptions" yaml:"subscriptions,omitempty"`
	Env                 map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	AllowWriteText      bool              `mapstructure:"allow_write_text" yaml:"allow_write_text"`
	AllowRunCommand     bool              `mapstructure:"allow_run_command" yaml:"allow_run_command"`
	AllowChangeConfig   bool              `mapstructure:"allow_change_config" yaml:"allow_change_config"`
	WriteTextRateLimit  int               `mapstructure:"write_text_rate_limit" yaml:"write_text_rate_limit"`
	RunCommandRateLimit int               `mapstructure:"run_command_rate_limit" yaml:"run_command_rate_limit"`
}

// RestartDelay returns the configured restart delay.
func (d ScriptDefinition) RestartDelay() time.Duration {
	if d.RestartDelayMs <= 0 {
		return 0
	}
	return time.Duration(d.RestartDelayMs) * time.Millisecond
}

// SubscriptionSet returns the subscription filter, or nil when every kind is wanted.
func (d ScriptDefinition) SubscriptionSet() map[EventKind]struct{} {
	if len(d.Subscriptions) == 0 {
		return nil
	}
	set := make(map[EventKind]struct{}, len(d.Subscriptions))
	for _, name := range d.Subscriptions {
		set[EventKind(name)] = struct{}{}
	}
	return set
}

// UnknownSubscriptions returns the subscription names that match no built-in
// event kind. Such names only ever match Generic events.
func (d ScriptDefinition) UnknownSubscriptions() []string {
	var unknown []string
	for _, name := range d.Subscriptions {
		if !KnownEventKind(EventKind(name)) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// WriteTextRate returns the effective WriteText allowance per second.
func (d ScriptDefinition) WriteTextRate() int {
	if d.WriteTextRateLimit <= 0 {
		return DefaultWriteTextRate
	}
	return d.WriteTextRateLimit
}

// RunCommandRate returns the effective RunCommand allowance per second.
func (d ScriptDefinition) RunCommandRate() int {
	if d.RunCommandRateLimit <= 0 {
		return DefaultRunCommandRate
	}
	return d.RunCommandRateLimit
}
