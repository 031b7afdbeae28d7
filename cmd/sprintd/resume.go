package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kestrelworks/sprintd/internal/tui"
)

var (
	flagForce   bool
	flagNoDrive bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <sprint-id>",
	Short: "Release a pause and continue the sprint",
	Long: `Resume runs the pause's recorded resume check; if it succeeds the
pause lifts, resolved blockers unblock, and the loop continues. Use
--force when the blocker has no machine-checkable condition.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		sprintID := args[0]
		if _, err := rt.engine.Resume(ctx, sprintID, flagForce); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "sprint %s resumed\n", sprintID)

		if flagNoDrive {
			return nil
		}
		return drive(ctx, rt, sprintID)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <sprint-id>",
	Short: "Open the live dashboard for a sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		if _, err := rt.store.Load(cmd.Context(), args[0]); err != nil {
			return err
		}
		p := tea.NewProgram(tui.New(rt.bus, rt.store, args[0]), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&flagForce, "force", false, "release the pause without running the resume check")
	resumeCmd.Flags().BoolVar(&flagNoDrive, "no-run", false, "release the pause but do not continue the loop")
}
