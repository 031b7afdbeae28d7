package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelworks/sprintd/internal/gates"
	"github.com/kestrelworks/sprintd/internal/sprint"
	"github.com/kestrelworks/sprintd/internal/worker"
)

// ErrEmptyPlan is returned when the planner produced no tasks.
var ErrEmptyPlan = errors.New("planner produced no tasks")

// Bootstrap creates a new sprint and runs the initial planning pass. The
// planner decomposes the vision into tasks; each lands through the same
// validated mutation path as everything else, so a cyclic or malformed
// plan is rejected before the loop ever starts.
func (e *Engine) Bootstrap(ctx context.Context, sprintID, vision string, limits sprint.Limits) (*sprint.Snapshot, error) {
	snap := sprint.New(sprintID, vision, limits, gates.Pipeline())
	if err := e.store.Create(ctx, snap); err != nil {
		return nil, err
	}

	planner, err := e.worker(worker.RolePlanner)
	if err != nil {
		return nil, err
	}
	res, err := planner.Execute(ctx, worker.Assignment{
		Kind:     worker.KindPlan,
		SprintID: sprintID,
		Vision:   vision,
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	if len(res.Changes) == 0 {
		return nil, ErrEmptyPlan
	}

	muts, err := worker.Mutations(res.Changes)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	snap, err = e.store.Apply(ctx, snap, muts...)
	if err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	e.log.Info("sprint planned",
		zap.String("sprint", sprintID),
		zap.Int("tasks", len(snap.Tasks)),
		zap.Int("gates", len(snap.Gates)))
	return snap, nil
}
