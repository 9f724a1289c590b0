package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEditCmd = &cobra.Command{
	Use:   "edit [task-id]",
	Short: "Change a task's title or body",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEdit,
}

var taskMoveCmd = &cobra.Command{
	Use:   "mv [task-id] [status]",
	Short: "Move a task to another status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskMove,
}

var taskRemoveCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Delete a task locally",
	Long:  `Deletes the local copy of a task. The remote item is left alone and comes back on the next sync unless it is closed remotely.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRemove,
}

var (
	projectRef string
	taskTitle  string
	taskBody   string
	taskStatus string
	taskRepo   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskEditCmd, taskMoveCmd, taskRemoveCmd)
	taskCmd.PersistentFlags().StringVarP(&projectRef, "project", "p", "", "Project name or ID (default: the only project)")

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskBody, "body", "", "Task body")
	taskAddCmd.Flags().StringVar(&taskStatus, "status", "", "Initial status (default todo)")
	taskAddCmd.Flags().StringVar(&taskRepo, "repo", "", "Linked collection, as provider:collection (default: the project's first)")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status ("+statusList()+")")

	taskEditCmd.Flags().StringVar(&taskTitle, "title", "", "New title")
	taskEditCmd.Flags().StringVar(&taskBody, "body", "", "New body")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	project, err := resolveProject(ctx, newClient(), projectRef)
	if err != nil {
		return err
	}

	var task models.Task
	err = run(scheduler.KindCreate, controlplane.CreatePayload{
		ProjectID: project.ID,
		Title:     taskTitle,
		Body:      taskBody,
		Status:    models.TaskStatus(taskStatus),
		RepoID:    taskRepo,
	}, &task)
	if err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task.LocalID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := newClient()
	project, err := resolveProject(ctx, c, projectRef)
	if err != nil {
		return err
	}
	tasks, err := c.Tasks(ctx, project.ID)
	if err != nil {
		return err
	}

	if taskStatus != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == taskStatus {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tREMOTE\tSYNC")
	for _, t := range tasks {
		remote := ""
		if t.RemoteRef != nil {
			remote = t.RemoteRef.ExternalID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(t.LocalID), truncate(t.Title, 40), t.Status, remote, syncState(&t))
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	t, err := resolveTask(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.LocalID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s\n", t.Status)
	if t.RepoID != "" {
		fmt.Printf("Collection:  %s\n", t.RepoID)
	}
	if t.RemoteRef != nil {
		fmt.Printf("Remote:      %s %s\n", t.RemoteRef.ExternalID, t.RemoteRef.URL)
	}
	fmt.Printf("Sync:        %s\n", syncState(t))
	fmt.Printf("Created:     %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("Updated:     %s\n", t.LocalUpdatedAt.Local().Format("2006-01-02 15:04"))
	if body := strings.TrimSpace(t.Body); body != "" {
		fmt.Println()
		fmt.Println(body)
	}
	return nil
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	p := controlplane.UpdatePayload{}
	if cmd.Flags().Changed("title") {
		p.Title = &taskTitle
	}
	if cmd.Flags().Changed("body") {
		p.Body = &taskBody
	}
	if p.Title == nil && p.Body == nil {
		return fmt.Errorf("nothing to change: pass --title or --body")
	}

	t, err := resolveTask(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}
	p.LocalID = t.LocalID
	if err := run(scheduler.KindUpdate, p, nil); err != nil {
		return err
	}
	fmt.Printf("Updated task %s\n", truncateID(t.LocalID))
	return nil
}

func runTaskMove(cmd *cobra.Command, args []string) error {
	status := models.TaskStatus(args[1])
	if !status.Valid() {
		return fmt.Errorf("unknown status %q (want %s)", args[1], statusList())
	}
	t, err := resolveTask(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}
	if err := run(scheduler.KindMove, controlplane.MovePayload{LocalID: t.LocalID, Status: status}, nil); err != nil {
		return err
	}
	fmt.Printf("Moved %s to %s\n", truncateID(t.LocalID), status)
	return nil
}

func runTaskRemove(cmd *cobra.Command, args []string) error {
	t, err := resolveTask(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}
	if err := run(scheduler.KindDelete, controlplane.DeletePayload{LocalID: t.LocalID}, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", truncateID(t.LocalID))
	return nil
}

// --- Helpers ---

// resolveProject finds a project by ID or case-insensitive name. An empty
// ref selects the only project, if there is exactly one.
func resolveProject(ctx context.Context, c *controlplane.Client, ref string) (*models.Project, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		switch len(projects) {
		case 0:
			return nil, errs.Invalid("project", "no projects yet, create one with: myme project create <name>")
		case 1:
			return &projects[0], nil
		}
		return nil, errs.Invalid("project", "several projects exist, pick one with --project")
	}
	for i, p := range projects {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			return &projects[i], nil
		}
	}
	return nil, errs.Invalid("project", "no project named %q", ref)
}

// resolveTask finds a task by its ID or a unique ID prefix across all
// projects.
func resolveTask(ctx context.Context, c *controlplane.Client, ref string) (*models.Task, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return nil, err
	}
	var matches []models.Task
	for _, p := range projects {
		tasks, err := c.Tasks(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.LocalID == ref {
				return &t, nil
			}
			if strings.HasPrefix(t.LocalID, ref) {
				matches = append(matches, t)
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, errs.Invalid("task", "no task with id %q", ref)
	case 1:
		return &matches[0], nil
	}
	return nil, errs.Invalid("task", "id %q is ambiguous (%d tasks)", ref, len(matches))
}

func syncState(t *models.Task) string {
	switch {
	case t.Conflict:
		return "conflict"
	case t.Orphaned:
		return "orphaned"
	case t.Dirty:
		return "dirty"
	case t.IsLinked():
		return "synced"
	}
	return "local"
}

func statusList() string {
	names := make([]string, len(models.AllStatuses))
	for i, s := range models.AllStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
