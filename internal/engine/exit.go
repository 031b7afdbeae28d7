package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/sprintd/internal/events"
	"github.com/kestrelworks/sprintd/internal/sprint"
	"github.com/kestrelworks/sprintd/internal/worker"
)

// sweepConcurrency bounds parallel verification probes. The probes are
// read-only; only the reopenings they produce go through the write path.
const sweepConcurrency = 4

// verifySweep re-verifies every done task against the current task set.
// Passing tasks stay done; failures are regressions and reopen through
// the explicit mutation, never by silent edit.
func (e *Engine) verifySweep(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	fp := snap.TaskFingerprint()

	var done []*sprint.Task
	for _, t := range snap.Tasks {
		if t.Status == sprint.StatusDone {
			done = append(done, t)
		}
	}
	if len(done) == 0 {
		return e.store.Apply(ctx, snap, sprint.RecordSweep{Fingerprint: fp, Clean: true})
	}

	failures, err := e.probeAll(ctx, snap, done)
	if err != nil {
		return snap, err
	}

	muts := make([]sprint.Mutation, 0, len(failures)+1)
	for _, f := range failures {
		muts = append(muts, sprint.ReopenTask{ID: f.TaskID, Reason: "regression: " + f.Evidence})
	}
	muts = append(muts, sprint.RecordSweep{
		Fingerprint: fp,
		Clean:       len(failures) == 0,
		Gaps:        len(failures),
	})

	next, err := e.store.Apply(ctx, snap, muts...)
	if err != nil {
		return snap, err
	}
	if len(failures) > 0 {
		e.log.Warn("verification sweep found regressions",
			zap.String("sprint", next.SprintID),
			zap.Int("reopened", len(failures)))
		for _, f := range failures {
			e.audit(ctx, next, "regression", f.TaskID, f.Evidence)
		}
	}
	return next, nil
}

// probeAll runs verification probes for the given tasks with bounded
// parallelism and returns the failing verdicts.
func (e *Engine) probeAll(ctx context.Context, snap *sprint.Snapshot, tasks []*sprint.Task) ([]worker.Verification, error) {
	w, err := e.worker(worker.RoleVerifier)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		failures []worker.Verification
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, t := range tasks {
		g.Go(func() error {
			res, err := w.Execute(gctx, worker.Assignment{
				Kind:      worker.KindVerify,
				SprintID:  snap.SprintID,
				Iteration: e.iteration(snap) + 1,
				Task:      t,
			})
			if err != nil {
				return fmt.Errorf("verify %q: %w", t.ID, err)
			}
			v := res.Verification
			if v == nil {
				return fmt.Errorf("verify %q: no verdict", t.ID)
			}
			if !v.Passed {
				mu.Lock()
				failures = append(failures, *v)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

// exitCheck is the final hurdle before shipping: a counted exit cycle
// with a fresh value assessment that carries no memory of why tasks were
// created. Tasks being done is necessary but not sufficient; the vision
// has to hold against the delivered state.
func (e *Engine) exitCheck(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	next, err := e.store.Apply(ctx, snap, sprint.RecordExitAttempt{})
	if err != nil {
		return snap, err
	}
	e.log.Info("exit verification cycle",
		zap.String("sprint", next.SprintID),
		zap.Int("attempt", next.ExitAttempts))

	before := len(next.Tasks)
	next, err = e.assessValue(ctx, next, true)
	if err != nil {
		return next, err
	}

	assessment := next.LastValue()
	if assessment == nil || !assessment.Fresh {
		return e.terminate(ctx, next, sprint.OutcomeEscalated,
			"exit verification could not obtain a fresh value assessment")
	}

	// Gap tasks were added by the assessment; the next iterations run
	// them through gates and execution before exit is attempted again.
	if len(next.Tasks) > before {
		e.audit(ctx, next, "exit_gaps", "",
			fmt.Sprintf("fresh assessment opened %d tasks; continuing", len(next.Tasks)-before))
		return next, nil
	}

	if len(assessment.Gaps) > 0 {
		// Gaps reported but none became tasks (creation suppressed).
		// Shipping over known gaps is never allowed, so the loop keeps
		// cycling until the exit ceiling converts this to partial delivery.
		e.audit(ctx, next, "exit_gaps_suppressed", "",
			fmt.Sprintf("%d gaps reported with task creation suppressed", len(assessment.Gaps)))
		return next, nil
	}

	if assessment.Recommendation != sprint.RecommendShipReady {
		e.audit(ctx, next, "exit_not_ready", string(assessment.Recommendation),
			fmt.Sprintf("fresh assessment score %.2f without ship recommendation", assessment.Score))
		return next, nil
	}

	e.publish(events.TopicLoop, events.ValueAssessedEvent{
		SprintID:       next.SprintID,
		Score:          assessment.Score,
		Gaps:           0,
		Recommendation: assessment.Recommendation,
		Timestamp:      time.Now().UTC(),
	})
	return e.terminate(ctx, next, sprint.OutcomeShip,
		fmt.Sprintf("clean sweep and fresh assessment (score %.2f) confirm delivery", assessment.Score))
}
