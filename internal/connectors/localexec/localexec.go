// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/myme/internal/connectors"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
)

// allowedCommands defines the strict allowlist of executable commands.
var allowedCommands = map[string][]string{
	"git": {"pull", "fetch", "status"},
}

// waitDelay bounds how long Execute waits for child processes (ssh, credential
// helpers) after the command itself was killed.
const waitDelay = 5 * time.Second

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct{}

// New creates a new LocalExec connector.
func New() *LocalExec {
	return &LocalExec{}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := allowedCommands[cmd]
	if !ok {
		return false
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command in dir if it's in the allowlist. Cancelling ctx
// kills the process and returns the context error.
func (l *LocalExec) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	const op = "localexec.execute"
	if !l.IsAllowed(cmd, args) {
		return nil, errs.Invalid(op, "command not allowed: %s %s", cmd, strings.Join(args, " "))
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, errs.Invalid(op, "%s is not a directory", dir)
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Dir = dir
	execCmd.WaitDelay = waitDelay
	// Never block on a credential prompt.
	execCmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, errs.E(errs.KindInternal, op, "could not run "+cmd, err)
		}
		exitCode = exitError.ExitCode()
	}

	result := &connectors.ExecResult{
		Dir:      dir,
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	logging.Component("localexec").Debug().Ctx(ctx).
		Str("dir", dir).
		Strs("args", args).
		Int("exit_code", exitCode).
		Dur("duration", result.Duration).
		Msg(cmd)
	return result, nil
}
