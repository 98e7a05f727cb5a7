package core

import (
	"context"
	"os/exec"
	"time"

	"pkt.systems/pslog"
)

// ExecSpawner runs RunCommand processes with output discarded and reaps them
// in the background.
type ExecSpawner struct {
	Logger pslog.Logger
}

// Spawn starts argv without a shell and returns once the process is running.
func (s ExecSpawner) Spawn(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return ErrEmptyCommand
	}
	log := s.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	started := time.Now()
	log.Debug("run command spawned", "pid", pid, "program", argv[0], "args_len", len(argv)-1)
	go func() {
		err := cmd.Wait()
		fields := []any{"pid", pid, "duration_ms", time.Since(started).Milliseconds()}
		if err != nil {
			fields = append(fields, "err", err)
		}
		log.Debug("run command finished", fields...)
	}()
	return nil
}
