package scriptproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termscript/schema"
)

const (
	// DefaultWriteTimeout bounds a single event write to a script's stdin.
	DefaultWriteTimeout = 2 * time.Second
	readerJoinTimeout   = 500 * time.Millisecond
)

// Config controls how a script process is started.
type Config struct {
	Name         string
	Command      string
	Args         []string
	Env          []string
	Dir          string
	WriteTimeout time.Duration
	Logger       pslog.Logger
}

// Process is one running script subprocess.
type Process struct {
	name         string
	cmd          *exec.Cmd
	log          pslog.Logger
	writeTimeout time.Duration
	started      time.Time

	writeMu     sync.Mutex
	stdin       *os.File
	stdinClosed atomic.Bool

	stdout *os.File
	stderr *os.File

	commands *commandBuffer
	errors   *lineBuffer
	readers  sync.WaitGroup

	done     chan struct{}
	exitMu   sync.Mutex
	exit     *ExitError
	stopOnce sync.Once
}

// Spawn starts the script and its two stream readers.
func Spawn(ctx context.Context, cfg Config) (*Process, error) {
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if cfg.Command == "" {
		return nil, &SpawnError{Command: cfg.Command, Err: errors.New("command is required")}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}

	pipes, err := openPipes()
	if err != nil {
		log.Error("script process pipes failed", "script", cfg.Name, "err", err)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	cmd.Stdin = pipes.stdinR
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW

	if err := cmd.Start(); err != nil {
		pipes.closeAll()
		log.Warn("script process start failed", "script", cfg.Name, "command", cfg.Command, "err", err)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	pipes.closeChildEnds()

	p := &Process{
		name:         cfg.Name,
		cmd:          cmd,
		log:          log,
		writeTimeout: cfg.WriteTimeout,
		started:      time.Now(),
		stdin:        pipes.stdinW,
		stdout:       pipes.stdoutR,
		stderr:       pipes.stderrR,
		commands:     &commandBuffer{},
		errors:       &lineBuffer{},
		done:         make(chan struct{}),
	}
	log.Info("script process started", "script", cfg.Name, "pid", cmd.Process.Pid, "args_len", len(cfg.Args))

	p.readers.Add(2)
	go p.readStdout()
	go p.readStderr()
	go p.reap()
	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// SendEvent writes one event line to the script's stdin.
func (p *Process) SendEvent(event schema.Event) error {
	line, err := schema.EncodeEvent(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdinClosed.Load() || !p.IsRunning() {
		return &IOError{Op: "write", Err: ErrNotRunning}
	}
	if err := p.stdin.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if _, err := p.stdin.Write(line); err != nil {
		if p.stdinClosed.Load() {
			err = ErrNotRunning
		}
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// ReadCommands drains decoded commands in the order the script emitted them.
func (p *Process) ReadCommands() []schema.Command {
	return p.commands.drain()
}

// ReadErrors drains stderr lines in the order the script emitted them.
func (p *Process) ReadErrors() []string {
	return p.errors.drain()
}

// IsRunning reports whether the process has not yet been reaped.
func (p *Process) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitStatus returns how the process terminated, or nil while it is running.
func (p *Process) ExitStatus() *ExitError {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exit
}

// Stop closes stdin, kills the process group, reaps the process and joins
// both readers. Safe to call more than once.
func (p *Process) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(p.stop)
}

func (p *Process) stop() {
	p.closeStdin()
	if err := killGroup(p.cmd, syscall.SIGKILL); err != nil {
		p.log.Warn("script process kill failed", "script", p.name, "pid", p.Pid(), "err", err)
	}
	<-p.done

	joined := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(readerJoinTimeout):
		// A grandchild outside the group may still hold the write ends.
		p.log.Debug("script process readers forced closed", "script", p.name)
		_ = p.stdout.Close()
		_ = p.stderr.Close()
		<-joined
	}
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	p.log.Info("script process stopped", "script", p.name, "duration_ms", time.Since(p.started).Milliseconds())
}

func (p *Process) closeStdin() {
	if p.stdinClosed.Swap(true) {
		return
	}
	_ = p.stdin.Close()
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	exit := exitFromWait(err)
	p.exitMu.Lock()
	p.exit = exit
	p.exitMu.Unlock()

	fields := []any{
		"script", p.name,
		"pid", p.Pid(),
		"exit_code", exit.Code,
		"duration_ms", time.Since(p.started).Milliseconds(),
	}
	if exit.Signal != "" {
		fields = append(fields, "signal", exit.Signal)
	}
	if exit.Err != nil {
		fields = append(fields, "err", exit.Err)
	}
	p.log.Debug("script process exited", fields...)
	close(p.done)
}

type pipeSet struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes() (*pipeSet, error) {
	set := &pipeSet{}
	var err error
	if set.stdinR, set.stdinW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if set.stdoutR, set.stdoutW, err = os.Pipe(); err != nil {
		set.closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if set.stderrR, set.stderrW, err = os.Pipe(); err != nil {
		set.closeAll()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return set, nil
}

func (s *pipeSet) closeChildEnds() {
	for _, f := range []*os.File{s.stdinR, s.stdoutW, s.stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (s *pipeSet) closeAll() {
	s.closeChildEnds()
	for _, f := range []*os.File{s.stdinW, s.stdoutR, s.stderrR} {
		if f != nil {
			_ = f.Close()
		}
	}
}
