package engine

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Resume lifts a pause after its resume condition holds. The resume
// check is a shell command recorded in the pause state; exit status zero
// releases the pause. Force skips the check for blockers that have no
// machine-checkable condition.
func (e *Engine) Resume(ctx context.Context, sprintID string, force bool) (*sprint.Snapshot, error) {
	snap, err := e.store.Load(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if snap.Paused == nil {
		return snap, sprint.ErrNotPaused
	}

	if !force && snap.Paused.ResumeCheck != "" {
		if err := runShellCheck(ctx, snap.Paused.ResumeCheck); err != nil {
			return snap, fmt.Errorf("resume check %q failed: %w", snap.Paused.ResumeCheck, err)
		}
	}

	muts := []sprint.Mutation{sprint.Resume{}}

	// Re-probe every external blocker. Whatever the human fixed may
	// release more than the task that triggered the pause.
	external, _ := snap.Blocked()
	for _, t := range external {
		check := t.BlockedReason.ResumeCheck
		if check == "" {
			if force {
				muts = append(muts, sprint.UnblockTask{ID: t.ID})
			}
			continue
		}
		if err := runShellCheck(ctx, check); err != nil {
			e.log.Info("blocker still unresolved", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		muts = append(muts, sprint.UnblockTask{ID: t.ID})
	}

	next, err := e.store.Apply(ctx, snap, muts...)
	if err != nil {
		return snap, err
	}
	e.log.Info("pause released",
		zap.String("sprint", sprintID),
		zap.Int("unblocked", len(muts)-1),
		zap.Bool("force", force))
	return next, nil
}

func runShellCheck(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	return cmd.Run()
}
