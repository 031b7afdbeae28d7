package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/sprintd/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status <sprint-id>",
	Short: "Show where a sprint stands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newReadOnlyRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		snap, err := loadSnapshot(cmd.Context(), rt.store, args[0])
		if err != nil {
			return err
		}
		fmt.Print(report.Status(snap))
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <sprint-id>",
	Short: "Show the task plan as a checklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newReadOnlyRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		snap, err := loadSnapshot(cmd.Context(), rt.store, args[0])
		if err != nil {
			return err
		}
		fmt.Print(report.Plan(snap))
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <sprint-id>",
	Short: "Show the delivery report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newReadOnlyRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		snap, err := loadSnapshot(cmd.Context(), rt.store, args[0])
		if err != nil {
			return err
		}
		fmt.Print(report.Delivery(snap))
		return nil
	},
}
