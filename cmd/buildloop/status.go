package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show progress for one project or all projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				if len(args) == 1 {
					return printProjectStatus(ctx, rt, args[0])
				}
				return printAllProjects(ctx, rt)
			})
		},
	}
}

func printAllProjects(ctx context.Context, rt *runtime) error {
	projects, err := rt.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Epics", "Tasks", "Tests", "Sandbox"})
	for _, p := range projects {
		progress, err := rt.store.ProjectProgress(ctx, p.ID)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{
			p.Name,
			fmt.Sprintf("%d/%d", progress.CompletedEpics, progress.TotalEpics),
			fmt.Sprintf("%d/%d", progress.CompletedTasks, progress.TotalTasks),
			fmt.Sprintf("%d/%d", progress.PassedTests, progress.TotalTests),
			p.SandboxKind,
		})
	}
	t.Render()
	return nil
}

func printProjectStatus(ctx context.Context, rt *runtime, name string) error {
	project, err := requireProject(ctx, rt, name)
	if err != nil {
		return err
	}
	progress, err := rt.store.ProjectProgress(ctx, project.ID)
	if err != nil {
		return err
	}
	fmt.Printf("project %s (%s)\n", project.Name, project.ID)
	fmt.Printf("workspace: %s\n", project.Workspace)
	fmt.Printf("epics %d/%d  tasks %d/%d  tests %d/%d\n",
		progress.CompletedEpics, progress.TotalEpics,
		progress.CompletedTasks, progress.TotalTasks,
		progress.PassedTests, progress.TotalTests)

	next, err := rt.store.NextTask(ctx, project.ID)
	if err != nil {
		return err
	}
	if next != nil {
		fmt.Printf("next task: #%d %s (%s)\n", next.ID, next.Title, next.Status)
	} else if progress.TotalTasks > 0 {
		fmt.Println("all tasks complete")
	} else {
		fmt.Println("not initialized: run buildloop init", name)
	}

	trend, err := rt.store.QualityTrend(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(trend) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Session", "Check", "Rating"})
		for _, point := range trend {
			t.AppendRow(table.Row{point.SessionNumber, point.CheckType, fmt.Sprintf("%d/10", point.Rating)})
		}
		t.Render()
	}
	return nil
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <name>",
		Short: "List a project's session history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				sessions, err := rt.store.ListSessions(ctx, project.ID)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"#", "Kind", "Status", "Model", "Tools", "Errors", "Started"})
				for _, s := range sessions {
					t.AppendRow(table.Row{
						s.SessionNumber, s.Kind, s.Status, s.Model,
						s.ToolUses, s.Errors,
						s.StartedAt.Format("2006-01-02 15:04"),
					})
				}
				t.Render()
				return nil
			})
		},
	}
}
