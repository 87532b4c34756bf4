// Package protocol defines the JSON messages exchanged with session viewers.
// Every message carries a string "type" discriminator; the sets of command
// and event types are closed.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies a client to server message.
type CommandType string

const (
	CommandStartAutopilot CommandType = "start_autopilot"
	CommandStopAutopilot  CommandType = "stop_autopilot"
	CommandNextTurn       CommandType = "next_turn"
	CommandDropIn         CommandType = "drop_in"
	CommandReleaseControl CommandType = "release_control"
	CommandSubmitAction   CommandType = "submit_action"
	CommandNudge          CommandType = "nudge"
	CommandSetSpeed       CommandType = "set_speed"
	CommandPause          CommandType = "pause"
	CommandResume         CommandType = "resume"
	CommandRetry          CommandType = "retry"
)

// CommandTypes lists every accepted command type.
var CommandTypes = []CommandType{
	CommandStartAutopilot,
	CommandStopAutopilot,
	CommandNextTurn,
	CommandDropIn,
	CommandReleaseControl,
	CommandSubmitAction,
	CommandNudge,
	CommandSetSpeed,
	CommandPause,
	CommandResume,
	CommandRetry,
}

var (
	ErrMalformedCommand = errors.New("command is not a valid JSON object")
	ErrMissingType      = errors.New("command is missing a type")
)

// UnknownCommandError reports a type discriminator outside the command set.
type UnknownCommandError struct {
	Type string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type %q", e.Type)
}

// FieldError reports a missing or mistyped command field.
type FieldError struct {
	Command CommandType
	Field   string
	Reason  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q %s", e.Command, e.Field, e.Reason)
}

// Command is implemented by every decoded command.
type Command interface {
	CommandType() CommandType
}

type StartAutopilotCommand struct {
	Type  CommandType `json:"type"`
	Speed string      `json:"speed,omitempty"`
}

type StopAutopilotCommand struct {
	Type CommandType `json:"type"`
}

type NextTurnCommand struct {
	Type CommandType `json:"type"`
}

type DropInCommand struct {
	Type      CommandType `json:"type"`
	Character string      `json:"character"`
}

type ReleaseControlCommand struct {
	Type CommandType `json:"type"`
}

type SubmitActionCommand struct {
	Type    CommandType `json:"type"`
	Content string      `json:"content"`
}

type NudgeCommand struct {
	Type    CommandType `json:"type"`
	Content string      `json:"content"`
}

type SetSpeedCommand struct {
	Type  CommandType `json:"type"`
	Speed string      `json:"speed"`
}

type PauseCommand struct {
	Type CommandType `json:"type"`
}

type ResumeCommand struct {
	Type CommandType `json:"type"`
}

type RetryCommand struct {
	Type CommandType `json:"type"`
}

func (StartAutopilotCommand) CommandType() CommandType { return CommandStartAutopilot }
func (StopAutopilotCommand) CommandType() CommandType  { return CommandStopAutopilot }
func (NextTurnCommand) CommandType() CommandType       { return CommandNextTurn }
func (DropInCommand) CommandType() CommandType         { return CommandDropIn }
func (ReleaseControlCommand) CommandType() CommandType { return CommandReleaseControl }
func (SubmitActionCommand) CommandType() CommandType   { return CommandSubmitAction }
func (NudgeCommand) CommandType() CommandType          { return CommandNudge }
func (SetSpeedCommand) CommandType() CommandType       { return CommandSetSpeed }
func (PauseCommand) CommandType() CommandType          { return CommandPause }
func (ResumeCommand) CommandType() CommandType         { return CommandResume }
func (RetryCommand) CommandType() CommandType          { return CommandRetry }

// DecodeCommand parses and validates one inbound message.
func DecodeCommand(payload []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	rawType, ok := fields["type"]
	if !ok || isJSONNull(rawType) {
		return nil, ErrMissingType
	}
	var typeName string
	if err := json.Unmarshal(rawType, &typeName); err != nil || typeName == "" {
		return nil, ErrMissingType
	}

	commandType := CommandType(typeName)
	switch commandType {
	case CommandStartAutopilot:
		return decodeInto[StartAutopilotCommand](commandType, payload, fields)
	case CommandStopAutopilot:
		return decodeInto[StopAutopilotCommand](commandType, payload, fields)
	case CommandNextTurn:
		return decodeInto[NextTurnCommand](commandType, payload, fields)
	case CommandDropIn:
		return decodeInto[DropInCommand](commandType, payload, fields, "character")
	case CommandReleaseControl:
		return decodeInto[ReleaseControlCommand](commandType, payload, fields)
	case CommandSubmitAction:
		return decodeInto[SubmitActionCommand](commandType, payload, fields, "content")
	case CommandNudge:
		return decodeInto[NudgeCommand](commandType, payload, fields, "content")
	case CommandSetSpeed:
		return decodeInto[SetSpeedCommand](commandType, payload, fields, "speed")
	case CommandPause:
		return decodeInto[PauseCommand](commandType, payload, fields)
	case CommandResume:
		return decodeInto[ResumeCommand](commandType, payload, fields)
	case CommandRetry:
		return decodeInto[RetryCommand](commandType, payload, fields)
	default:
		return nil, &UnknownCommandError{Type: typeName}
	}
}

// EncodeCommand is used by clients and tests to produce wire payloads.
func EncodeCommand(command Command) ([]byte, error) {
	if command == nil {
		return nil, errors.New("command is nil")
	}
	return json.Marshal(command)
}

func decodeInto[T Command](commandType CommandType, payload []byte, fields map[string]json.RawMessage, required ...string) (Command, error) {
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || isJSONNull(raw) {
			return nil, &FieldError{Command: commandType, Field: name, Reason: "is required"}
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &FieldError{Command: commandType, Field: name, Reason: "must be a string"}
		}
	}

	var command T
	if err := json.Unmarshal(payload, &command); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &FieldError{Command: commandType, Field: typeErr.Field, Reason: "has the wrong type"}
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return command, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
