package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// C2SMessage is sent from an agent to the controller.
type C2SMessage interface {
	c2sType() string
}

// S2CMessage is sent from the controller to an agent.
type S2CMessage interface {
	s2cType() string
}

// Connect opens a session. S2CTx names the agent's own server for the
// reverse channel.
type Connect struct {
	S2CTx string `json:"s2c_tx"`
	PID   uint32 `json:"pid"`
}

// Start announces the command the wrapper is about to run.
type Start struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// Started is sent once the agent has executed its instructions.
type Started struct {
	PID uint32 `json:"pid"`
}

// LogLevel of a forwarded log record.
type LogLevel string

const (
	LevelError LogLevel = "error"
	LevelWarn  LogLevel = "warn"
	LevelInfo  LogLevel = "info"
	LevelDebug LogLevel = "debug"
	LevelTrace LogLevel = "trace"
)

// ParseLogLevel recognises the level names used by game-side loggers.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "error", "ERROR", "Error", "fatal", "FATAL", "Fatal":
		return LevelError, true
	case "warn", "WARN", "Warn", "warning", "WARNING", "Warning":
		return LevelWarn, true
	case "info", "INFO", "Info", "message", "MESSAGE", "Message":
		return LevelInfo, true
	case "debug", "DEBUG", "Debug":
		return LevelDebug, true
	case "trace", "TRACE", "Trace":
		return LevelTrace, true
	}
	return "", false
}

// Log is a structured log record.
type Log struct {
	Level   LogLevel `json:"level"`
	Scope   string   `json:"scope"`
	Message string   `json:"message"`
}

// Channel is a standard stream of the game process.
type Channel string

const (
	Stdout Channel = "Out"
	Stderr Channel = "Err"
)

// Output is one unstructured line from stdout or stderr.
type Output struct {
	Channel Channel `json:"channel"`
	Line    string  `json:"line"`
}

// Exit reports process exit. Code is nil when it is unknown.
type Exit struct {
	Code *int32 `json:"code"`
}

// Crash carries a crash report.
type Crash struct {
	Error string `json:"error"`
}

// DoctorFix is one choice offered by a DoctorReport. ID is the JSON form of
// the typed choice.
type DoctorFix struct {
	ID           json.RawMessage `json:"id"`
	Label        *string         `json:"label,omitempty"`
	ConfirmLabel *string         `json:"confirm_label,omitempty"`
	Description  *string         `json:"description,omitempty"`
}

// DoctorReport asks the user to pick one of Fixes.
type DoctorReport struct {
	ID             uuid.UUID         `json:"id"`
	TranslationKey string            `json:"translation_key"`
	Message        *string           `json:"message,omitempty"`
	Args           map[string]string `json:"args,omitempty"`
	Fixes          []DoctorFix       `json:"fixes"`
}

func (*Connect) c2sType() string      { return "Connect" }
func (*Start) c2sType() string        { return "Start" }
func (*Started) c2sType() string      { return "Started" }
func (*Log) c2sType() string          { return "Log" }
func (*Output) c2sType() string       { return "Output" }
func (*Exit) c2sType() string         { return "Exit" }
func (*Crash) c2sType() string        { return "Crash" }
func (*DoctorReport) c2sType() string { return "DoctorReport" }

// ServerConnect acknowledges a Connect.
type ServerConnect struct{}

// PatientResponse answers the DoctorReport with the same ID.
type PatientResponse struct {
	ID     uuid.UUID       `json:"id"`
	Choice json.RawMessage `json:"choice"`
}

// Kill asks the agent to terminate the process.
type Kill struct{}

func (*ServerConnect) s2cType() string   { return "Connect" }
func (*PatientResponse) s2cType() string { return "PatientResponse" }
func (*Kill) s2cType() string            { return "Kill" }

// ErrBadData is returned for frames that do not decode to a known message.
var ErrBadData = errors.New("bad data")

// Envelope is the tagged wire form of a message.
type Envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func wrap(typ string, v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("cannot encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, Value: b}, nil
}

// WrapC2S returns the envelope of a C2S message.
func WrapC2S(m C2SMessage) (Envelope, error) { return wrap(m.c2sType(), m) }

// WrapS2C returns the envelope of an S2C message.
func WrapS2C(m S2CMessage) (Envelope, error) { return wrap(m.s2cType(), m) }

// EncodeC2S encodes m for the wire.
func EncodeC2S(m C2SMessage) ([]byte, error) {
	env, err := WrapC2S(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// EncodeS2C encodes m for the wire.
func EncodeS2C(m S2CMessage) ([]byte, error) {
	env, err := WrapS2C(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func unwrap(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	if len(env.Value) == 0 {
		env.Value = json.RawMessage("{}")
	}
	return env, nil
}

func decodeC2S[T any, P interface {
	*T
	C2SMessage
}](env Envelope) (C2SMessage, error) {
	v := P(new(T))
	if err := json.Unmarshal(env.Value, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadData, env.Type, err)
	}
	return v, nil
}

func decodeS2C[T any, P interface {
	*T
	S2CMessage
}](env Envelope) (S2CMessage, error) {
	v := P(new(T))
	if err := json.Unmarshal(env.Value, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadData, env.Type, err)
	}
	return v, nil
}

// DecodeC2S decodes a C2S message.
func DecodeC2S(data []byte) (C2SMessage, error) {
	env, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "Connect":
		return decodeC2S[Connect](env)
	case "Start":
		return decodeC2S[Start](env)
	case "Started":
		return decodeC2S[Started](env)
	case "Log":
		return decodeC2S[Log](env)
	case "Output":
		return decodeC2S[Output](env)
	case "Exit":
		return decodeC2S[Exit](env)
	case "Crash":
		return decodeC2S[Crash](env)
	case "DoctorReport":
		return decodeC2S[DoctorReport](env)
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrBadData, env.Type)
}

// DecodeS2C decodes an S2C message.
func DecodeS2C(data []byte) (S2CMessage, error) {
	env, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "Connect":
		return decodeS2C[ServerConnect](env)
	case "PatientResponse":
		return decodeS2C[PatientResponse](env)
	case "Kill":
		return decodeS2C[Kill](env)
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrBadData, env.Type)
}
