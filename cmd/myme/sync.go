package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/myme/internal/connectors"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/reconcile"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/spf13/cobra"
)

// pullTimeout matches the daemon's limit on a git pull.
const pullTimeout = 10 * time.Minute

var syncCmd = &cobra.Command{
	Use:   "sync [project]",
	Short: "Reconcile a project with its linked collections",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [task-id] local|remote",
	Short: "Resolve a sync conflict by keeping one side",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

var pullCmd = &cobra.Command{
	Use:   "pull [path]",
	Short: "Fast-forward a local git checkout",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPull,
}

func runSync(cmd *cobra.Command, args []string) error {
	ref := ""
	if len(args) == 1 {
		ref = args[0]
	}
	project, err := resolveProject(cmd.Context(), newClient(), ref)
	if err != nil {
		return err
	}

	var summary controlplane.SyncSummary
	if err := run(scheduler.KindSync, controlplane.SyncPayload{ProjectID: project.ID}, &summary); err != nil {
		return err
	}

	for _, r := range summary.Reports {
		fmt.Printf("%s: %d pushed (%d new), %d pulled (%d new), %d orphaned\n",
			r.Collection,
			r.CreatedRemote+r.UpdatedRemote, r.CreatedRemote,
			r.CreatedLocal+r.UpdatedLocal, r.CreatedLocal,
			r.Orphaned)
		for _, e := range r.Errors {
			fmt.Printf("  ! %s: %s\n", truncateID(e.LocalID), e.Message)
		}
	}
	for _, f := range summary.Failed {
		fmt.Printf("%s: failed: %s\n", f.Collection, f.Message)
	}
	if conflicts := summary.Conflicts(); len(conflicts) > 0 {
		fmt.Printf("\n%d conflicts (resolve with: myme resolve <task-id> local|remote):\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  %s  local %q, remote %q\n", truncateID(c.LocalID), c.Title, c.RemoteTitle)
		}
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	keep := reconcile.Keep(strings.ToLower(args[1]))
	if keep != reconcile.KeepLocal && keep != reconcile.KeepRemote {
		return fmt.Errorf("want local or remote, got %q", args[1])
	}
	t, err := resolveTask(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := run(scheduler.KindResolve, controlplane.ResolvePayload{LocalID: t.LocalID, Keep: keep}, &task); err != nil {
		return err
	}
	fmt.Printf("Resolved %s keeping the %s side: %s\n", truncateID(task.LocalID), keep, task.Title)
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	// The daemon runs git in its own working directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var result connectors.ExecResult
	if err := runFor(pullTimeout, scheduler.KindPull, controlplane.PullPayload{Path: abs}, &result); err != nil {
		return err
	}
	if out := strings.TrimSpace(result.Stdout); out != "" {
		fmt.Println(out)
	}
	return nil
}
