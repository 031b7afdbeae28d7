package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelworks/sprintd/internal/engine"
	"github.com/kestrelworks/sprintd/internal/persistence"
	"github.com/kestrelworks/sprintd/internal/report"
	"github.com/kestrelworks/sprintd/internal/sprint"
	"github.com/kestrelworks/sprintd/internal/tui"
)

var (
	flagSprintID string
	flagBudget   int
	flagWatch    bool
)

var runCmd = &cobra.Command{
	Use:   "run [vision...]",
	Short: "Start a sprint from a vision, or continue an existing one",
	Long: `Run plans a new sprint from the vision statement and drives it to a
terminal outcome. With --id and no vision, an existing sprint continues
from its persisted state, including after a crash or a released pause.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		vision := strings.TrimSpace(strings.Join(args, " "))
		sprintID := flagSprintID

		switch {
		case vision != "":
			if sprintID == "" {
				sprintID = uuid.NewString()[:8]
			}
			limits := sprint.Limits{
				BudgetTotal:         cfg.Limits.Budget,
				StagnationThreshold: cfg.Limits.StagnationThreshold,
				TaskAttemptLimit:    cfg.Limits.TaskAttemptLimit,
				GateRetryCeiling:    cfg.Limits.GateRetryCeiling,
				ExitMaxCycles:       cfg.Limits.ExitMaxCycles,
			}
			if flagBudget > 0 {
				limits.BudgetTotal = flagBudget
			}
			if _, err := rt.engine.Bootstrap(ctx, sprintID, vision, limits); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "sprint %s planned\n", sprintID)
		case sprintID != "":
			if _, err := rt.store.Load(ctx, sprintID); err != nil {
				return err
			}
		default:
			return errors.New("either a vision or --id is required")
		}

		if flagWatch {
			return runWithDashboard(ctx, rt, sprintID)
		}
		return drive(ctx, rt, sprintID)
	},
}

func init() {
	runCmd.Flags().StringVar(&flagSprintID, "id", "", "sprint id (continue an existing sprint)")
	runCmd.Flags().IntVar(&flagBudget, "budget", 0, "override the iteration budget for a new sprint")
	runCmd.Flags().BoolVar(&flagWatch, "watch", false, "show the live dashboard while running")
}

// drive runs the loop to a stop and renders the result.
func drive(ctx context.Context, rt *runtime, sprintID string) error {
	status, err := rt.engine.Run(ctx, sprintID)
	if err != nil {
		return err
	}
	if status.Paused {
		fmt.Fprintf(os.Stderr, "sprint %s paused: %s\n", sprintID, status.Why)
		if status.Snapshot != nil && status.Snapshot.Paused != nil && status.Snapshot.Paused.ResumeCheck != "" {
			fmt.Fprintf(os.Stderr, "when resolved, run: sprintd resume %s\n", sprintID)
		}
		return outcomeError{code: exitPaused, msg: "paused awaiting human action"}
	}

	fmt.Println(report.Delivery(status.Snapshot))
	return outcomeExit(status.Outcome, status.Why)
}

// runWithDashboard runs the engine in the background with the TUI in the
// foreground. Quitting the dashboard stops the loop; state is safe to
// continue later with run --id.
func runWithDashboard(ctx context.Context, rt *runtime, sprintID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		status, err := rt.engine.Run(runCtx, sprintID)
		done <- runOutcome{status: status, err: err}
	}()

	p := tea.NewProgram(tui.New(rt.bus, rt.store, sprintID), tea.WithAltScreen())
	_, tuiErr := p.Run()
	cancel()

	out := <-done
	if tuiErr != nil {
		return tuiErr
	}
	if out.err != nil && !errors.Is(out.err, context.Canceled) {
		return out.err
	}
	if out.err != nil {
		log.Info("run interrupted from dashboard", zap.String("sprint", sprintID))
		return nil
	}
	if out.status.Paused {
		fmt.Fprintf(os.Stderr, "sprint %s paused: %s\n", sprintID, out.status.Why)
		return outcomeError{code: exitPaused, msg: "paused awaiting human action"}
	}
	fmt.Println(report.Delivery(out.status.Snapshot))
	return outcomeExit(out.status.Outcome, out.status.Why)
}

type runOutcome struct {
	status engine.RunStatus
	err    error
}

// loadSnapshot is shared by the projection commands.
func loadSnapshot(ctx context.Context, store persistence.Store, sprintID string) (*sprint.Snapshot, error) {
	snap, err := store.Load(ctx, sprintID)
	if err != nil {
		return nil, fmt.Errorf("sprint %q: %w", sprintID, err)
	}
	return snap, nil
}
