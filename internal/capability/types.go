// Package capability holds the named operations a model may invoke. A
// capability is either executed here (local) or only described here and
// executed by the connected client (remote).
package capability

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound    = errors.New("capability not found")
	ErrInvalidArgs = errors.New("invalid capability arguments")
)

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

type Definition struct {
	Name                 string      `json:"name"`
	Description          string      `json:"description"`
	Parameters           []Parameter `json:"parameters"`
	RequiresConfirmation bool        `json:"requiresConfirmation,omitempty"`
	// Frontend marks a client-executed action in client payloads.
	Frontend bool `json:"frontend,omitempty"`
}

func (d *Definition) normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	params := make([]Parameter, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			continue
		}
		if p.Type == "" {
			p.Type = ParamString
		}
		params = append(params, p)
	}
	d.Parameters = params
}

// ExecContext is passed to every local execution.
type ExecContext struct {
	ThreadID  string         `json:"threadId"`
	RunID     string         `json:"runId"`
	MessageID string         `json:"messageId"`
	UserID    string         `json:"userId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Code is a stable, machine-readable failure code.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgs     Code = "INVALID_ARGS"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodePanic           Code = "PANIC"
	CodeCanceled        Code = "CANCELED"
)

type Result struct {
	Success             bool   `json:"success"`
	Result              any    `json:"result,omitempty"`
	Error               string `json:"error,omitempty"`
	Code                Code   `json:"code,omitempty"`
	PendingConfirmation bool   `json:"pendingConfirmation,omitempty"`
	ConfirmationID      string `json:"confirmationId,omitempty"`
}

func Failure(code Code, msg string) Result {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "capability failed"
	}
	return Result{Success: false, Error: msg, Code: code}
}

func Success(v any) Result {
	return Result{Success: true, Result: v}
}

// Handler executes a local capability. A returned error becomes an
// EXECUTION_FAILED result; panics are recovered by the registry.
type Handler func(ctx context.Context, args map[string]any, ec ExecContext) (Result, error)

type Location int

const (
	LocationAbsent Location = iota
	LocationLocal
	LocationRemote
)

func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationRemote:
		return "remote"
	default:
		return "absent"
	}
}

// Observer receives one call per finished local execution.
type Observer interface {
	ObserveExecution(name string, success bool, code Code, seconds float64)
}
