package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelworks/sprintd/internal/events"
	"github.com/kestrelworks/sprintd/internal/gates"
	"github.com/kestrelworks/sprintd/internal/persistence"
	"github.com/kestrelworks/sprintd/internal/progress"
	"github.com/kestrelworks/sprintd/internal/sprint"
	"github.com/kestrelworks/sprintd/internal/worker"
)

// Budget posture thresholds, as fractions of the iteration budget.
const (
	budgetReducedChecks = 0.80 // expensive value assessments run less often
	budgetSuppressTasks = 0.95 // new task creation is suppressed
)

// ErrRoleUnconfigured is returned when an iteration needs a worker role
// that was never registered.
var ErrRoleUnconfigured = errors.New("worker role not configured")

// Engine drives the loop. It is the single writer: every state change
// funnels through the store as a validated mutation, one action per
// iteration.
type Engine struct {
	store   persistence.Store
	workers map[worker.Role]worker.Worker
	gates   *gates.Registry
	bus     *events.EventBus
	log     *zap.Logger
}

// New assembles an engine. The bus may be nil when nothing is watching.
func New(store persistence.Store, workers map[worker.Role]worker.Worker, registry *gates.Registry, bus *events.EventBus, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:   store,
		workers: workers,
		gates:   registry,
		bus:     bus,
		log:     log,
	}
}

// RunStatus is what a Run invocation ended on.
type RunStatus struct {
	Outcome  sprint.Outcome // set when the sprint terminated
	Paused   bool           // set when the loop suspended for a human
	Why      string
	Snapshot *sprint.Snapshot
}

// Run iterates the loop for a sprint until it terminates, pauses, or the
// context is cancelled. It is safe to call again after a pause or crash:
// all decisions derive from the persisted snapshot.
func (e *Engine) Run(ctx context.Context, sprintID string) (RunStatus, error) {
	snap, err := e.store.Load(ctx, sprintID)
	if err != nil {
		return RunStatus{}, err
	}
	snap, err = e.requeueInterrupted(ctx, snap)
	if err != nil {
		return RunStatus{Snapshot: snap}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return RunStatus{Snapshot: snap}, err
		}
		if snap.Terminated() {
			return RunStatus{Outcome: snap.Outcome, Why: snap.OutcomeWhy, Snapshot: snap}, nil
		}
		if snap.Paused != nil {
			return RunStatus{Paused: true, Why: snap.Paused.Instructions, Snapshot: snap}, nil
		}

		snap, err = e.Step(ctx, snap)
		if err != nil {
			return RunStatus{Snapshot: snap}, err
		}
	}
}

// requeueInterrupted returns tasks stranded in progress by a crash to
// the pending pool. Step never leaves a dispatch in flight across
// iterations, so an in-progress task at load time is an interrupted
// attempt: it fails through the normal path and counts toward the
// per-task stall limit.
func (e *Engine) requeueInterrupted(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	if snap.Terminated() {
		return snap, nil
	}
	var stranded []string
	for _, t := range snap.Tasks {
		if t.Status == sprint.StatusInProgress {
			stranded = append(stranded, t.ID)
		}
	}
	for _, id := range stranded {
		e.log.Warn("requeueing interrupted task",
			zap.String("sprint", snap.SprintID),
			zap.String("task", id))
		next, err := e.failAttempt(ctx, snap, id, "attempt interrupted before completion")
		if err != nil {
			return snap, err
		}
		snap = next
	}
	return snap, nil
}

// Step performs exactly one iteration: decide, act, record. The returned
// snapshot is the persisted post-iteration state.
func (e *Engine) Step(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	act := Decide(snap)
	e.log.Info("action decided",
		zap.String("sprint", snap.SprintID),
		zap.String("action", string(act.Kind)),
		zap.String("gate", act.Gate),
		zap.String("task", act.TaskID),
		zap.String("why", act.Why))
	e.publish(events.TopicLoop, events.ActionDecidedEvent{
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap) + 1,
		Action:    string(act.Kind),
		Detail:    act.Why,
		Timestamp: time.Now().UTC(),
	})

	wasStuck := snap.Stuck

	var (
		next *sprint.Snapshot
		err  error
	)
	switch act.Kind {
	case ActionTerminate:
		return e.terminate(ctx, snap, act.Outcome, act.Why)
	case ActionConfirmReadiness:
		next, err = e.confirmReadiness(ctx, snap)
	case ActionRunGate:
		next, err = e.runGate(ctx, snap, act.Gate)
	case ActionRunTask:
		next, err = e.runTask(ctx, snap, act.TaskID)
	case ActionResolveBlockers:
		next, err = e.resolveBlockers(ctx, snap)
	case ActionAwaitHuman:
		next, err = e.awaitHuman(ctx, snap)
	case ActionRecoverStuck:
		next, err = e.recoverStuck(ctx, snap)
	case ActionVerifySweep:
		next, err = e.verifySweep(ctx, snap)
	case ActionExitCheck:
		next, err = e.exitCheck(ctx, snap)
	default:
		return snap, fmt.Errorf("unhandled action %q", act.Kind)
	}
	if err != nil {
		return snap, err
	}
	if next.Terminated() {
		return next, nil
	}

	next, err = e.store.Apply(ctx, next, sprint.RecordIteration{
		Action:      string(act.Kind),
		Fingerprint: next.ProgressFingerprint(),
	})
	if err != nil {
		return next, err
	}
	if next.Stuck && !wasStuck {
		e.log.Warn("stagnation threshold reached", zap.String("sprint", next.SprintID), zap.Int("iteration", e.iteration(next)))
		e.publish(events.TopicLoop, events.StuckDetectedEvent{
			SprintID:  next.SprintID,
			Iteration: e.iteration(next),
			Timestamp: time.Now().UTC(),
		})
	}
	return next, nil
}

func (e *Engine) confirmReadiness(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	w, err := e.worker(worker.RoleVerifier)
	if err != nil {
		return snap, err
	}
	res, err := w.Execute(ctx, worker.Assignment{
		Kind:      worker.KindReady,
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap) + 1,
		Vision:    snap.Vision,
	})
	if err != nil {
		return snap, fmt.Errorf("readiness check: %w", err)
	}
	if res.HumanAction != nil {
		return e.pause(ctx, snap, res.HumanAction)
	}
	if !res.Ready {
		e.audit(ctx, snap, "readiness_failed", res.Notes, "environment not ready; will retry")
		return snap, nil
	}
	return e.store.Apply(ctx, snap, sprint.ConfirmReadiness{})
}

func (e *Engine) runGate(ctx context.Context, snap *sprint.Snapshot, gate string) (*sprint.Snapshot, error) {
	next, out, err := e.gates.Run(ctx, snap, gate)
	if err != nil {
		return snap, err
	}
	e.publish(events.TopicGate, events.GatePassedEvent{
		SprintID:  next.SprintID,
		Gate:      out.Gate,
		Rounds:    out.Rounds,
		Warned:    out.Warned,
		Timestamp: time.Now().UTC(),
	})
	return next, nil
}

func (e *Engine) runTask(ctx context.Context, snap *sprint.Snapshot, taskID string) (*sprint.Snapshot, error) {
	builder, err := e.worker(worker.RoleBuilder)
	if err != nil {
		return snap, err
	}
	next, err := e.store.Apply(ctx, snap, sprint.StartTask{ID: taskID})
	if err != nil {
		return snap, err
	}
	task := next.Task(taskID)
	e.publish(events.TopicTask, events.TaskDispatchedEvent{
		SprintID:  next.SprintID,
		TaskID:    taskID,
		Attempt:   task.AttemptCount,
		Timestamp: time.Now().UTC(),
	})

	res, execErr := builder.Execute(ctx, worker.Assignment{
		Kind:      worker.KindBuild,
		SprintID:  next.SprintID,
		Iteration: e.iteration(next) + 1,
		Vision:    next.Vision,
		Task:      task,
	})
	if execErr != nil {
		return e.failAttempt(ctx, next, taskID, fmt.Sprintf("builder error: %v", execErr))
	}

	if res.HumanAction != nil {
		next, err = e.store.Apply(ctx, next, sprint.BlockTask{
			ID: taskID,
			Reason: sprint.BlockedReason{
				Kind:        sprint.BlockExternal,
				Detail:      res.HumanAction.Instructions,
				ResumeCheck: res.HumanAction.ResumeCheck,
			},
		})
		if err != nil {
			return next, err
		}
		e.publish(events.TopicTask, events.TaskBlockedEvent{
			SprintID:  next.SprintID,
			TaskID:    taskID,
			Kind:      sprint.BlockExternal,
			Detail:    res.HumanAction.Instructions,
			Timestamp: time.Now().UTC(),
		})
		return e.pause(ctx, next, res.HumanAction)
	}

	// Builders may report newly discovered subtasks alongside the build.
	if len(res.Changes) > 0 {
		muts, terr := worker.Mutations(res.Changes)
		if terr != nil {
			e.audit(ctx, next, "changes_rejected", terr.Error(), "malformed task changes from builder")
		} else if muts = e.filterNewTasks(ctx, next, muts); len(muts) > 0 {
			next, err = e.store.Apply(ctx, next, muts...)
			if err != nil {
				e.log.Warn("builder changes rejected", zap.Error(err))
			}
		}
	}

	if res.Completion == nil {
		return e.failAttempt(ctx, next, taskID, "builder reported no completion")
	}

	// A builder's word is never enough. Completion requires a fresh,
	// independent verification pass over the acceptance criteria.
	verdict, err := e.verifyTask(ctx, next, taskID)
	if err != nil {
		return e.failAttempt(ctx, next, taskID, fmt.Sprintf("verification error: %v", err))
	}
	if !verdict.Passed {
		return e.failAttempt(ctx, next, taskID, "verification failed: "+verdict.Evidence)
	}

	next, err = e.store.Apply(ctx, next, sprint.CompleteTask{ID: taskID, Evidence: verdict.Evidence})
	if err != nil {
		return next, err
	}
	e.publish(events.TopicTask, events.TaskCompletedEvent{
		SprintID:  next.SprintID,
		TaskID:    taskID,
		Evidence:  verdict.Evidence,
		Timestamp: time.Now().UTC(),
	})
	return next, nil
}

// failAttempt returns an in-progress task to the pending pool and
// force-blocks it once its stall counter crosses the attempt limit.
func (e *Engine) failAttempt(ctx context.Context, snap *sprint.Snapshot, taskID, reason string) (*sprint.Snapshot, error) {
	next, err := e.store.Apply(ctx, snap, sprint.FailAttempt{ID: taskID, Reason: reason})
	if err != nil {
		return snap, err
	}
	e.publish(events.TopicTask, events.TaskFailedEvent{
		SprintID:  next.SprintID,
		TaskID:    taskID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	for _, id := range progress.StalledTasks(next) {
		detail := fmt.Sprintf("force-blocked after %d failed attempts", next.TaskStalls[id])
		next, err = e.store.Apply(ctx, next, sprint.BlockTask{
			ID:     id,
			Reason: sprint.BlockedReason{Kind: sprint.BlockInternal, Detail: detail},
		})
		if err != nil {
			return next, err
		}
		e.log.Warn("task force-blocked", zap.String("task", id), zap.String("detail", detail))
		e.publish(events.TopicTask, events.TaskBlockedEvent{
			SprintID:  next.SprintID,
			TaskID:    id,
			Kind:      sprint.BlockInternal,
			Detail:    detail,
			Timestamp: time.Now().UTC(),
		})
	}
	return next, nil
}

func (e *Engine) verifyTask(ctx context.Context, snap *sprint.Snapshot, taskID string) (worker.Verification, error) {
	w, err := e.worker(worker.RoleVerifier)
	if err != nil {
		return worker.Verification{}, err
	}
	res, err := w.Execute(ctx, worker.Assignment{
		Kind:      worker.KindVerify,
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap) + 1,
		Task:      snap.Task(taskID),
	})
	if err != nil {
		return worker.Verification{}, err
	}
	if res.Verification == nil {
		return worker.Verification{}, fmt.Errorf("verifier returned no verdict for task %q", taskID)
	}
	return *res.Verification, nil
}

func (e *Engine) resolveBlockers(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	_, internal := snap.Blocked()
	var sb strings.Builder
	sb.WriteString("internally blocked tasks:\n")
	for _, t := range internal {
		detail := ""
		if t.BlockedReason != nil {
			detail = t.BlockedReason.Detail
		}
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", t.ID, t.Description, detail)
	}
	return e.courseCorrect(ctx, snap, sb.String())
}

// awaitHuman handles the case where every remaining task is blocked on
// something outside the loop's control. The pause carries the first
// blocker's instructions; resolving it may unblock the rest.
func (e *Engine) awaitHuman(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	external, _ := snap.Blocked()
	if len(external) == 0 {
		return snap, errors.New("await_human with no externally blocked tasks")
	}
	t := external[0]
	req := &worker.HumanActionRequest{
		Instructions: fmt.Sprintf("task %q is blocked: %s", t.ID, t.BlockedReason.Detail),
		ResumeCheck:  t.BlockedReason.ResumeCheck,
	}
	return e.pause(ctx, snap, req)
}

// recoverStuck acknowledges the stuck signal, runs a value assessment to
// discover what is still missing, then hands the recovery worker the
// floor for a structural course-correction.
func (e *Engine) recoverStuck(ctx context.Context, snap *sprint.Snapshot) (*sprint.Snapshot, error) {
	next, err := e.store.Apply(ctx, snap, sprint.ClearStuck{})
	if err != nil {
		return snap, err
	}

	// Past the reduced-checks threshold the assessment is skipped; the
	// remaining budget goes to finishing work, not re-planning it.
	if next.BudgetFraction() < budgetReducedChecks {
		next, err = e.assessValue(ctx, next, false)
		if err != nil {
			return next, err
		}
	} else {
		e.audit(ctx, next, "assessment_skipped", "", fmt.Sprintf("budget at %.0f%%; skipping value assessment", next.BudgetFraction()*100))
	}

	return e.courseCorrect(ctx, next, "progress has stalled across iterations; restructure, descope, or unblock")
}

// courseCorrect dispatches the recovery worker and applies whatever
// structural correction it returns.
func (e *Engine) courseCorrect(ctx context.Context, snap *sprint.Snapshot, brief string) (*sprint.Snapshot, error) {
	w, err := e.worker(worker.RoleRecovery)
	if err != nil {
		return snap, err
	}
	res, err := w.Execute(ctx, worker.Assignment{
		Kind:      worker.KindRecover,
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap) + 1,
		Vision:    snap.Vision,
		Context:   brief,
	})
	if err != nil {
		return snap, fmt.Errorf("recovery: %w", err)
	}
	if res.HumanAction != nil {
		return e.pause(ctx, snap, res.HumanAction)
	}
	if res.Correction == nil {
		e.audit(ctx, snap, "recovery_empty", res.Notes, "recovery worker returned no correction")
		return snap, nil
	}
	return e.applyCorrection(ctx, snap, res.Correction)
}

func (e *Engine) applyCorrection(ctx context.Context, snap *sprint.Snapshot, c *worker.CourseCorrection) (*sprint.Snapshot, error) {
	muts, err := worker.Mutations(c.Changes)
	if err != nil {
		e.audit(ctx, snap, "correction_rejected", err.Error(), "malformed course correction")
		return snap, nil
	}
	for _, id := range c.Reopen {
		muts = append(muts, sprint.ReopenTask{ID: id, Reason: c.Notes})
	}
	for _, id := range c.Descope {
		muts = append(muts, sprint.DescopeTask{ID: id, Rationale: c.Notes})
	}
	muts = e.filterNewTasks(ctx, snap, muts)
	if len(muts) == 0 {
		return snap, nil
	}
	next, err := e.store.Apply(ctx, snap, muts...)
	if err != nil {
		// A rejected correction is an audit event, not a crash; the
		// loop keeps its last valid state and the stall counters will
		// eventually surface the problem again.
		e.log.Warn("course correction rejected", zap.Error(err), zap.String("kind", string(c.Kind)))
		return snap, nil
	}
	e.log.Info("course correction applied",
		zap.String("kind", string(c.Kind)),
		zap.Int("changes", len(c.Changes)),
		zap.Int("reopened", len(c.Reopen)),
		zap.Int("descoped", len(c.Descope)))
	return next, nil
}

// assessValue runs the evaluator and records the assessment. Gaps are
// converted into tasks unless the budget posture suppresses creation.
func (e *Engine) assessValue(ctx context.Context, snap *sprint.Snapshot, fresh bool) (*sprint.Snapshot, error) {
	w, err := e.worker(worker.RoleEvaluator)
	if err != nil {
		return snap, err
	}
	res, err := w.Execute(ctx, worker.Assignment{
		Kind:      worker.KindEvaluate,
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap) + 1,
		Vision:    snap.Vision,
		Fresh:     fresh,
	})
	if err != nil {
		return snap, fmt.Errorf("evaluator: %w", err)
	}
	if res.Assessment == nil {
		e.audit(ctx, snap, "assessment_missing", res.Notes, "evaluator returned no assessment")
		return snap, nil
	}

	a := *res.Assessment
	a.Fresh = fresh
	muts := []sprint.Mutation{sprint.RecordValue{Assessment: a}}
	muts = append(muts, e.filterNewTasks(ctx, snap, worker.GapTasks(a.Gaps, "value_assessment"))...)

	next, err := e.store.Apply(ctx, snap, muts...)
	if err != nil {
		return snap, err
	}
	e.publish(events.TopicLoop, events.ValueAssessedEvent{
		SprintID:       next.SprintID,
		Score:          a.Score,
		Gaps:           len(a.Gaps),
		Recommendation: a.Recommendation,
		Timestamp:      time.Now().UTC(),
	})
	return next, nil
}

// filterNewTasks drops add-task mutations when the budget posture
// suppresses new work, auditing each suppression.
func (e *Engine) filterNewTasks(ctx context.Context, snap *sprint.Snapshot, muts []sprint.Mutation) []sprint.Mutation {
	if snap.BudgetFraction() < budgetSuppressTasks {
		return muts
	}
	kept := muts[:0]
	for _, m := range muts {
		if add, ok := m.(sprint.AddTask); ok {
			e.audit(ctx, snap, "task_suppressed", add.Task.Description,
				fmt.Sprintf("budget at %.0f%%; new task creation suppressed", snap.BudgetFraction()*100))
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func (e *Engine) pause(ctx context.Context, snap *sprint.Snapshot, req *worker.HumanActionRequest) (*sprint.Snapshot, error) {
	next, err := e.store.Apply(ctx, snap, sprint.Pause{
		Instructions: req.Instructions,
		ResumeCheck:  req.ResumeCheck,
	})
	if err != nil {
		return snap, err
	}
	e.log.Info("loop paused for human action", zap.String("instructions", req.Instructions))
	e.publish(events.TopicLoop, events.PauseRequestedEvent{
		SprintID:     next.SprintID,
		Instructions: req.Instructions,
		Timestamp:    time.Now().UTC(),
	})
	return next, nil
}

func (e *Engine) terminate(ctx context.Context, snap *sprint.Snapshot, outcome sprint.Outcome, why string) (*sprint.Snapshot, error) {
	if snap.Terminated() {
		return snap, nil
	}
	next, err := e.store.Apply(ctx, snap, sprint.Terminate{Outcome: outcome, Why: why})
	if err != nil {
		return snap, err
	}
	e.log.Info("sprint terminated", zap.String("outcome", string(outcome)), zap.String("why", why))
	e.publish(events.TopicLoop, events.SprintTerminatedEvent{
		SprintID:  next.SprintID,
		Outcome:   outcome,
		Why:       why,
		Timestamp: time.Now().UTC(),
	})
	return next, nil
}

func (e *Engine) worker(role worker.Role) (worker.Worker, error) {
	w, ok := e.workers[role]
	if !ok || w == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleUnconfigured, role)
	}
	return w, nil
}

func (e *Engine) iteration(snap *sprint.Snapshot) int {
	if last := snap.LastIteration(); last != nil {
		return last.N
	}
	return 0
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, ev)
}

func (e *Engine) audit(ctx context.Context, snap *sprint.Snapshot, kind, detail, rationale string) {
	if err := e.store.Audit(ctx, persistence.AuditEntry{
		SprintID:  snap.SprintID,
		Iteration: e.iteration(snap),
		Kind:      kind,
		Detail:    detail,
		Rationale: rationale,
	}); err != nil {
		e.log.Warn("audit write failed", zap.Error(err))
	}
}
