package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTag indicates a protocol line without its "kind" or "type" tag.
	ErrMissingTag = errors.New("missing message tag")
	// ErrUnknownCommand indicates a command line whose "type" is outside the command vocabulary.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrInvalidDefinition indicates a script definition failed validation.
	ErrInvalidDefinition = errors.New("invalid script definition")
	// ErrInvalidRestartPolicy indicates an unsupported restart policy value.
	ErrInvalidRestartPolicy = errors.New("invalid restart policy")
)

// Direction identifies which side of the protocol produced a message.
type Direction string

const (
	// DirectionEvent marks host→script event lines.
	DirectionEvent Direction = "event"
	// DirectionCommand marks script→host command lines.
	DirectionCommand Direction = "command"
)

// DecodeError reports a malformed or schema-violating protocol line.
type DecodeError struct {
	Direction Direction
	Line      []byte
	Err       error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "protocol decode error"
	}
	if e.Err == nil {
		return fmt.Sprintf("decode %s failed", e.Direction)
	}
	return fmt.Sprintf("decode %s: %v", e.Direction, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newDecodeError(dir Direction, line []byte, err error) *DecodeError {
	return &DecodeError{Direction: dir, Line: append([]byte(nil), line...), Err: err}
}
