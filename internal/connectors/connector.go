// Package connectors defines executors for local side effects, such as
// updating a repository checkout.
package connectors

import (
	"context"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Dir      string        `json:"dir"`
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command in dir and returns the result. A non-zero exit
	// status is reported in the result, not as an error.
	Execute(ctx context.Context, dir, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}
