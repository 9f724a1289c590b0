package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects and their linked collections",
}

var projectCreateCmd = &cobra.Command{
	Use:     "create [name] [provider:collection...]",
	Short:   "Create a project",
	Example: `  myme project create Widgets github:octo/widgets calendar:primary`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runProjectCreate,
}

var projectLinkCmd = &cobra.Command{
	Use:   "link [project] [provider:collection]",
	Short: "Link a collection to a project",
	Args:  cobra.ExactArgs(2),
	RunE:  runProjectLink,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectDesc string

func init() {
	projectCmd.AddCommand(projectCreateCmd, projectLinkCmd, projectListCmd)
	projectCreateCmd.Flags().StringVar(&projectDesc, "desc", "", "Project description")
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	var project models.Project
	err := run(scheduler.KindProjectCreate, controlplane.ProjectCreatePayload{
		Name:          args[0],
		Description:   projectDesc,
		LinkedRepoIDs: args[1:],
	}, &project)
	if err != nil {
		return err
	}
	fmt.Printf("Created project %s (%s)\n", project.Name, project.ID)
	return nil
}

func runProjectLink(cmd *cobra.Command, args []string) error {
	project, err := resolveProject(cmd.Context(), newClient(), args[0])
	if err != nil {
		return err
	}
	if err := run(scheduler.KindProjectLink, controlplane.ProjectLinkPayload{ProjectID: project.ID, RepoID: args[1]}, nil); err != nil {
		return err
	}
	fmt.Printf("Linked %s to %s\n", args[1], project.Name)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	projects, err := newClient().Projects(cmd.Context())
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLINKED")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncateID(p.ID), p.Name, strings.Join(p.LinkedRepoIDs, ", "))
	}
	w.Flush()
	return nil
}
