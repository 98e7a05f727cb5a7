package logx

import (
	"context"

	"pkt.systems/pslog"
)

// WithScript annotates the logger with the script name and id when available.
func WithScript(log pslog.Logger, name string, id uint64) pslog.Logger {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if name != "" {
		log = log.With("script", name)
	}
	if id != 0 {
		log = log.With("script_id", id)
	}
	return log
}

// WithCommand annotates the logger with a script command type.
func WithCommand(log pslog.Logger, commandType string) pslog.Logger {
	if commandType != "" {
		log = log.With("command_type", commandType)
	}
	return log
}
