// Command sprintd runs an autonomous delivery loop: it plans a sprint
// from a vision statement, executes tasks through external workers, and
// only terminates when independent verification confirms the outcome.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelworks/sprintd/internal/config"
	"github.com/kestrelworks/sprintd/internal/logging"
	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Exit codes. Partial delivery and pauses are distinct from errors so
// wrapping automation can branch on them.
const (
	exitShip    = 0
	exitError   = 1
	exitPartial = 2
	exitPaused  = 3
)

var (
	flagConfig string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sprintd",
	Short:         "Closed-loop sprint orchestration",
	Long:          "sprintd drives a sprint from vision to verified delivery:\nplanning, gated execution, independent verification, and a final\nfresh assessment before anything ships.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		log, err = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = logging.Sync(log)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.AddCommand(runCmd, statusCmd, planCmd, reportCmd, resumeCmd, watchCmd)
}

// Execute runs the CLI and maps the result to an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var oe outcomeError
		if ok := asOutcomeError(err, &oe); ok {
			return oe.code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	return exitShip
}

// outcomeError carries a non-zero exit code that is not a failure.
type outcomeError struct {
	code int
	msg  string
}

func (e outcomeError) Error() string { return e.msg }

func asOutcomeError(err error, target *outcomeError) bool {
	oe, ok := err.(outcomeError)
	if ok {
		*target = oe
	}
	return ok
}

func outcomeExit(outcome sprint.Outcome, why string) error {
	switch outcome {
	case sprint.OutcomeShip:
		return nil
	case sprint.OutcomePartialDelivery:
		return outcomeError{code: exitPartial, msg: "partial delivery: " + why}
	default:
		return outcomeError{code: exitError, msg: fmt.Sprintf("%s: %s", outcome, why)}
	}
}
