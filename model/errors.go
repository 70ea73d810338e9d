package model

import (
	"fmt"
	"strings"
)

// TransportError is a network or stream failure. It aborts the current turn.
type TransportError struct {
	Provider string
	Status   int // HTTP status when known
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a malformed streaming frame.
type ParseError struct {
	Provider string
	Frame    string
	Err      error
}

func (e *ParseError) Error() string {
	frame := e.Frame
	if len(frame) > 120 {
		frame = frame[:120] + "..."
	}
	return fmt.Sprintf("%s: malformed frame %q: %v", e.Provider, frame, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ToolNotFoundError is returned when a tool name resolves to no backend.
type ToolNotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *ToolNotFoundError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("tool %q not found (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ToolArgumentError is returned when tool arguments cannot be decoded or
// fail validation.
type ToolArgumentError struct {
	Name string
	Err  error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Name, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// ConfigurationError is raised before any request when a model cannot be
// used as configured, typically because credentials are missing.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: %s", e.Provider, e.Reason)
}
