// Package errdefs defines the machine-readable error codes returned by devhost.
//
// Every failure surfaced to a caller carries a Code plus a human-readable
// message. Port conflicts additionally carry the conflicting owner and a list
// of alternative ports so the failure is immediately actionable.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of failure.
type Code string

const (
	// Validation
	InvalidPort   Code = "INVALID_PORT"
	InvalidType   Code = "INVALID_TYPE"
	InvalidPath   Code = "INVALID_PATH"
	InvalidConfig Code = "INVALID_CONFIG"

	// Port policy
	SystemReserved    Code = "SYSTEM_RESERVED"
	PortOutOfRange    Code = "PORT_OUT_OF_RANGE"
	PortInUse         Code = "PORT_IN_USE"
	PortInUseExternal Code = "PORT_IN_USE_EXTERNAL"
	NoAvailablePorts  Code = "NO_AVAILABLE_PORTS"
	PortNotAllocated  Code = "PORT_NOT_ALLOCATED"
	ProjectMismatch   Code = "PROJECT_MISMATCH"

	// Lifecycle
	OperationInFlight Code = "OPERATION_IN_PROGRESS"
	ProjectExists     Code = "PROJECT_EXISTS"
	NotFound          Code = "NOT_FOUND"
	ReadinessTimeout  Code = "READINESS_TIMEOUT"
	ContainerExited   Code = "CONTAINER_EXITED"

	// Environment
	EngineUnavailable Code = "ENGINE_UNAVAILABLE"
	ImageMissing      Code = "IMAGE_MISSING"
	EngineError       Code = "ENGINE_ERROR"
	NetworkMismatch   Code = "NETWORK_MISMATCH"

	StateCorrupt Code = "STATE_CORRUPT"
	Internal     Code = "INTERNAL"
)

// Class groups codes by how a caller should react to them.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassConflict    Class = "conflict"
	ClassEnvironment Class = "environment"
	ClassNotFound    Class = "not-found"
	ClassInternal    Class = "internal"
)

// Class returns the class of the code.
func (c Code) Class() Class {
	switch c {
	case InvalidPort, InvalidType, InvalidPath, InvalidConfig, SystemReserved, PortOutOfRange:
		return ClassValidation
	case PortInUse, PortInUseExternal, NoAvailablePorts, ProjectMismatch, OperationInFlight, ProjectExists, NetworkMismatch:
		return ClassConflict
	case EngineUnavailable, ImageMissing, EngineError, ReadinessTimeout, ContainerExited:
		return ClassEnvironment
	case NotFound, PortNotAllocated:
		return ClassNotFound
	default:
		return ClassInternal
	}
}

// Owner identifies the project holding a contested resource.
type Owner struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName,omitempty"`
}

// Error is the structured error returned by every devhost component.
type Error struct {
	Code        Code
	Op          string
	ProjectID   string
	Message     string
	Owner       *Owner
	Suggestions []int
	Err         error
}

// Error formats as "op project <id>: message: cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.ProjectID != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("project ")
		b.WriteString(e.ProjectID)
	}
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation context to err. If err already carries
// a code, that code is kept and only the context is added.
func Wrap(err error, code Code, op, projectID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return &Error{Code: code, Op: op, ProjectID: projectID, Message: "failed", Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or Internal
// when err carries none. It returns "" for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Details returns the conflict owner and suggestions carried anywhere in
// err's chain.
func Details(err error) (*Owner, []int) {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return nil, nil
		}
		if e.Owner != nil || len(e.Suggestions) > 0 {
			return e.Owner, e.Suggestions
		}
		err = e.Err
	}
	return nil, nil
}
