package schema

import (
	"encoding/json"
	"fmt"
)

// CommandType names a script→host command on the wire.
type CommandType string

const (
	// CommandWriteText injects text into the PTY.
	CommandWriteText CommandType = "write_text"
	// CommandNotify raises a notification.
	CommandNotify CommandType = "notify"
	// CommandSetBadge overrides the badge text.
	CommandSetBadge CommandType = "set_badge"
	// CommandSetVariable sets a session user variable.
	CommandSetVariable CommandType = "set_variable"
	// CommandRunCommand spawns an external process.
	CommandRunCommand CommandType = "run_command"
	// CommandChangeConfig changes a runtime config key.
	CommandChangeConfig CommandType = "change_config"
	// CommandLog appends a line to the script's log surface.
	CommandLog CommandType = "log"
	// CommandSetPanel sets the script's panel.
	CommandSetPanel CommandType = "set_panel"
	// CommandClearPanel removes the script's panel.
	CommandClearPanel CommandType = "clear_panel"
)

// CommandTypes lists the complete command vocabulary.
var CommandTypes = []CommandType{
	CommandWriteText,
	CommandNotify,
	CommandSetBadge,
	CommandSetVariable,
	CommandRunCommand,
	CommandChangeConfig,
	CommandLog,
	CommandSetPanel,
	CommandClearPanel,
}

// Command is the closed set of script→host requests.
type Command interface {
	CommandType() CommandType
	isCommand()
}

// WriteText asks the host to write text to the PTY.
type WriteText struct {
	Text string `json:"text"`
}

// Notify asks the host to show a notification.
type Notify struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SetBadge asks the host to override the badge.
type SetBadge struct {
	Text string `json:"text"`
}

// SetVariable asks the host to set a user variable.
type SetVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RunCommand asks the host to spawn a process.
type RunCommand struct {
	Command string `json:"command"`
}

// ChangeConfig asks the host to change a runtime config key.
type ChangeConfig struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Log asks the host to record a log line.
type Log struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// SetPanel asks the host to store panel content for the script.
type SetPanel struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ClearPanel asks the host to drop the script's panel.
type ClearPanel struct{}

// LogLevel is the severity carried by Log commands.
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (WriteText) CommandType() CommandType    { return CommandWriteText }
func (Notify) CommandType() CommandType       { return CommandNotify }
func (SetBadge) CommandType() CommandType     { return CommandSetBadge }
func (SetVariable) CommandType() CommandType  { return CommandSetVariable }
func (RunCommand) CommandType() CommandType   { return CommandRunCommand }
func (ChangeConfig) CommandType() CommandType { return CommandChangeConfig }
func (Log) CommandType() CommandType          { return CommandLog }
func (SetPanel) CommandType() CommandType     { return CommandSetPanel }
func (ClearPanel) CommandType() CommandType   { return CommandClearPanel }

func (WriteText) isCommand()    {}
func (Notify) isCommand()       {}
func (SetBadge) isCommand()     {}
func (SetVariable) isCommand()  {}
func (RunCommand) isCommand()   {}
func (ChangeConfig) isCommand() {}
func (Log) isCommand()          {}
func (SetPanel) isCommand()     {}
func (ClearPanel) isCommand()   {}

var commandDecoders = map[CommandType]func([]byte) (Command, error){
	CommandWriteText:    decodeCommand[WriteText],
	CommandNotify:       decodeCommand[Notify],
	CommandSetBadge:     decodeCommand[SetBadge],
	CommandSetVariable:  decodeCommand[SetVariable],
	CommandRunCommand:   decodeCommand[RunCommand],
	CommandChangeConfig: decodeCommand[ChangeConfig],
	CommandLog:          decodeCommand[Log],
	CommandSetPanel:     decodeCommand[SetPanel],
	CommandClearPanel:   decodeCommand[ClearPanel],
}

func decodeCommand[T Command](line []byte) (Command, error) {
	var cmd T
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeCommand parses one command line. Types outside the vocabulary fail
// with ErrUnknownCommand.
func DecodeCommand(line []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, newDecodeError(DirectionCommand, line, err)
	}
	tag, err := readTag(raw, "type")
	if err != nil {
		return nil, newDecodeError(DirectionCommand, line, err)
	}
	decode, ok := commandDecoders[CommandType(tag)]
	if !ok {
		return nil, newDecodeError(DirectionCommand, line, fmt.Errorf("%w: %q", ErrUnknownCommand, tag))
	}
	cmd, err := decode(line)
	if err != nil {
		return nil, newDecodeError(DirectionCommand, line, err)
	}
	return cmd, nil
}

// EncodeCommand renders a command as one JSON object with its "type" tag.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, ErrMissingTag
	}
	if _, ok := commandDecoders[cmd.CommandType()]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.CommandType())
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	tag, err := json.Marshal(cmd.CommandType())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}
