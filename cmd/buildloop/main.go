package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/buildloop/buildloop/internal/agent"
	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/config"
	"github.com/buildloop/buildloop/internal/orchestrator"
	"github.com/buildloop/buildloop/internal/sandbox"
	"github.com/buildloop/buildloop/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "buildloop",
	Short: "Drives an external coding agent through long multi-session builds",
	Long: `buildloop turns a specification into a roadmap of epics, tasks and tests,
then runs short agent sessions against a sandboxed workspace until the work
is done. Session state, progress and quality signals live in a local SQLite
database; per-session event logs live in the project workspace.`,
}

func main() {
	logger := common.Logger()
	if err := godotenv.Load(); err != nil {
		logger.Debug("buildloop: no .env file loaded", "error", err)
	}
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func registerCommands() {
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(deleteCmd())
}

// runtime bundles the wired components behind every command.
type runtime struct {
	cfg   config.Config
	store *store.Store
	orch  *orchestrator.Orchestrator
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var transport agent.Transport
	switch cfg.AgentTransport {
	case "openai":
		transport = &agent.APITransport{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_ENDPOINT"),
		}
	default:
		transport = &agent.CLITransport{Command: cfg.AgentCommand, APIKey: cfg.AgentAPIKey}
	}
	driver := agent.NewDriver(transport)
	sandboxes := sandbox.NewManager(nil)

	orch, err := orchestrator.New(ctx, cfg, st, sandboxes, driver)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Periodic sweep for sessions orphaned by other crashed processes;
	// matters during long auto-chain runs.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		sweep := func() {
			if n, err := orch.CleanupStaleSessions(sweepCtx); err != nil {
				common.Logger().Warn("buildloop: stale session sweep failed", "error", err)
			} else if n > 0 {
				common.Logger().Info("buildloop: cancelled stale sessions", "count", n)
			}
		}
		sweep()
		ticker := time.NewTicker(staleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	return fn(ctx, &runtime{cfg: cfg, store: st, orch: orch})
}

const staleSweepInterval = 5 * time.Minute

// runLoopWithInterrupts runs the project loop with staged interrupt
// handling: the first interrupt lets the current session finish and stops
// auto-chaining, the second cancels the session, the third exits hard.
func runLoopWithInterrupts(ctx context.Context, rt *runtime, projectID string) (*store.Session, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 3)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		stage := 0
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				stage++
				switch stage {
				case 1:
					fmt.Fprintln(os.Stderr, "\nfinishing current session, then stopping (interrupt again to cancel it)")
					if err := rt.orch.StopAfterCurrent(context.Background(), projectID, true); err != nil {
						fmt.Fprintln(os.Stderr, "stop request failed:", err)
					}
				case 2:
					fmt.Fprintln(os.Stderr, "\ncancelling current session")
					rt.orch.Cancel(projectID)
				default:
					fmt.Fprintln(os.Stderr, "\nexiting immediately")
					os.Exit(130)
				}
			}
		}
	}()
	return rt.orch.RunLoop(loopCtx, projectID)
}

// signalContext cancels on interrupt so a running session finalizes as
// cancelled instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func createCmd() *cobra.Command {
	var spec string
	var force bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project from a spec file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				return fmt.Errorf("--spec required")
			}
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				project, err := rt.orch.CreateProject(ctx, args[0], spec, force)
				if err != nil {
					return err
				}
				fmt.Printf("created project %s (%s)\nworkspace: %s\n", project.Name, project.ID, project.Workspace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "path to the specification file or directory")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing project of the same name")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <name>",
		Short: "Run the initializer session (session 0) for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(context.Background(), func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				session, err := runLoopWithInterrupts(ctx, rt, project.ID)
				if err != nil {
					return err
				}
				if session != nil {
					fmt.Printf("session %d (%s) finished with status %s\n",
						session.SessionNumber, session.Kind, session.Status)
				}
				fmt.Println("review the generated roadmap, then start coding with: buildloop run", args[0])
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run coding sessions with auto-chaining until the work is done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(context.Background(), func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				session, err := runLoopWithInterrupts(ctx, rt, project.ID)
				if err != nil {
					return err
				}
				if session != nil {
					fmt.Printf("last session %d (%s) finished with status %s\n",
						session.SessionNumber, session.Kind, session.Status)
				}
				return nil
			})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Let the project's current session finish, then stop auto-chaining",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				if err := rt.orch.StopAfterCurrent(ctx, project.ID, true); err != nil {
					return err
				}
				fmt.Printf("project %s will stop after its current session\n", args[0])
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Wipe the roadmap and session history, keeping the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				if err := rt.orch.ResetProject(ctx, project.ID); err != nil {
					return err
				}
				fmt.Printf("project %s reset; run buildloop init %s to rebuild the roadmap\n", args[0], args[0])
				return nil
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a project, its sandbox and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				project, err := requireProject(ctx, rt, args[0])
				if err != nil {
					return err
				}
				if err := rt.orch.DeleteProject(ctx, project.ID); err != nil {
					return err
				}
				fmt.Printf("deleted project %s\n", args[0])
				return nil
			})
		},
	}
}

func requireProject(ctx context.Context, rt *runtime, name string) (*store.Project, error) {
	project, err := rt.store.GetProjectByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %q not found", name)
	}
	return project, nil
}
