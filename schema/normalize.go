package schema

import (
	"fmt"
	"strings"
)

// NormalizeRestartPolicy validates and normalizes a restart policy value.
// An empty value means RestartNever. Allowed values: never, on_failure, always.
func NormalizeRestartPolicy(value string) (RestartPolicy, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	trimmed = strings.ReplaceAll(trimmed, "-", "_")
	switch trimmed {
	case "", string(RestartNever):
		return RestartNever, nil
	case string(RestartOnFailure), string(RestartAlways):
		return RestartPolicy(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRestartPolicy, value)
	}
}

// NormalizeDefinition trims and validates a single script definition.
func NormalizeDefinition(def ScriptDefinition) (ScriptDefinition, error) {
	def.Name = strings.TrimSpace(def.Name)
	def.ScriptPath = strings.TrimSpace(def.ScriptPath)
	def.Interpreter = strings.TrimSpace(def.Interpreter)
	if def.Name == "" {
		return ScriptDefinition{}, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.ScriptPath == "" {
		return ScriptDefinition{}, fmt.Errorf("%w: %s: script_path is required", ErrInvalidDefinition, def.Name)
	}
	policy, err := NormalizeRestartPolicy(string(def.RestartPolicy))
	if err != nil {
		return ScriptDefinition{}, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, def.Name, err)
	}
	def.RestartPolicy = policy
	if def.RestartDelayMs < 0 {
		return ScriptDefinition{}, fmt.Errorf("%w: %s: restart_delay_ms must not be negative", ErrInvalidDefinition, def.Name)
	}
	if def.WriteTextRateLimit < 0 || def.RunCommandRateLimit < 0 {
		return ScriptDefinition{}, fmt.Errorf("%w: %s: rate limits must not be negative", ErrInvalidDefinition, def.Name)
	}
	subs := make([]string, 0, len(def.Subscriptions))
	for _, sub := range def.Subscriptions {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		subs = append(subs, sub)
	}
	def.Subscriptions = subs
	return def, nil
}

// NormalizeDefinitions normalizes every definition and rejects duplicate names.
func NormalizeDefinitions(defs []ScriptDefinition) ([]ScriptDefinition, error) {
	out := make([]ScriptDefinition, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		normalized, err := NormalizeDefinition(def)
		if err != nil {
			return nil, fmt.Errorf("scripts[%d]: %w", i, err)
		}
		if _, ok := seen[normalized.Name]; ok {
			return nil, fmt.Errorf("scripts[%d]: %w: duplicate name %q", i, ErrInvalidDefinition, normalized.Name)
		}
		seen[normalized.Name] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}
