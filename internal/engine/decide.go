package engine

import (
	"fmt"

	"github.com/kestrelworks/sprintd/internal/scheduler"
	"github.com/kestrelworks/sprintd/internal/sprint"
)

// ActionKind enumerates everything the loop can do in one iteration.
type ActionKind string

const (
	ActionConfirmReadiness ActionKind = "confirm_readiness"
	ActionRunGate          ActionKind = "run_gate"
	ActionRunTask          ActionKind = "run_task"
	ActionResolveBlockers  ActionKind = "resolve_blockers"
	ActionRecoverStuck     ActionKind = "recover_stuck"
	ActionVerifySweep      ActionKind = "verify_sweep"
	ActionExitCheck        ActionKind = "exit_check"
	ActionAwaitHuman       ActionKind = "await_human"
	ActionTerminate        ActionKind = "terminate"
)

// Action is the decision engine's output: exactly one thing to do next.
type Action struct {
	Kind    ActionKind
	Gate    string
	TaskID  string
	Outcome sprint.Outcome // for ActionTerminate
	Why     string
}

// Decide maps a snapshot to the next action. It is purely a function of
// state: no randomness, no hidden counters, nothing outside the
// snapshot. The priority order below is deliberate -- the engine always
// prefers forward progress on well-defined work over speculative
// re-planning, and never terminates without a fresh final confirmation.
func Decide(s *sprint.Snapshot) Action {
	if s.Terminated() {
		return Action{Kind: ActionTerminate, Outcome: s.Outcome, Why: "already terminated"}
	}

	// Budget exhaustion overrides everything, including in-flight work.
	if s.Limits.BudgetTotal > 0 && s.BudgetUsed >= s.Limits.BudgetTotal {
		return Action{
			Kind:    ActionTerminate,
			Outcome: sprint.OutcomePartialDelivery,
			Why:     fmt.Sprintf("budget exhausted after %d iterations", s.BudgetUsed),
		}
	}

	// 1. Environment readiness comes before any dispatch.
	if !s.ReadinessConfirmed {
		return Action{Kind: ActionConfirmReadiness}
	}

	// 2. Every gate in the pipeline must hold before execution.
	if g := s.FirstUnpassedGate(); g != nil {
		return Action{Kind: ActionRunGate, Gate: g.Name}
	}

	// 3. Forward progress on well-defined work beats everything below.
	if t := scheduler.NextRunnable(s); t != nil {
		return Action{Kind: ActionRunTask, TaskID: t.ID}
	}

	// 4. Nothing runnable but work remains: split by who can fix it.
	// The split is read from blocked_reason, never inferred.
	if scheduler.HasPending(s) || anyBlocked(s) {
		external, internal := s.Blocked()
		if len(internal) > 0 {
			return Action{Kind: ActionResolveBlockers, Why: fmt.Sprintf("%d internally blocked tasks", len(internal))}
		}
		if len(external) > 0 {
			return Action{Kind: ActionAwaitHuman, Why: fmt.Sprintf("%d tasks await a human", len(external))}
		}
		// Pending tasks with unsatisfied dependencies and no blocked
		// reason on record: something upstream is wedged in a way only
		// a structural re-plan can untangle.
		return Action{Kind: ActionResolveBlockers, Why: "pending tasks with no runnable frontier"}
	}

	// 5. Stuck signal: course-correct rather than spin.
	if s.Stuck {
		return Action{Kind: ActionRecoverStuck}
	}

	// 6. Everything settled: the sweep must have run against this exact
	// task set before exit verification may begin.
	if s.AllSettled() {
		fp := s.TaskFingerprint()
		if s.Sweep == nil || s.Sweep.Fingerprint != fp {
			return Action{Kind: ActionVerifySweep}
		}
		// 7. Sweep gaps became tasks, so a dirty-but-current sweep with
		// nothing pending means regressions were reopened already; a
		// clean sweep moves on to exit verification.
		if s.Sweep.Clean {
			// 8/9. Exit verification, bounded by its cycle ceiling.
			if s.Limits.ExitMaxCycles > 0 && s.ExitAttempts >= s.Limits.ExitMaxCycles {
				return Action{
					Kind:    ActionTerminate,
					Outcome: sprint.OutcomePartialDelivery,
					Why:     fmt.Sprintf("exit verification did not converge after %d cycles", s.ExitAttempts),
				}
			}
			return Action{Kind: ActionExitCheck}
		}
		return Action{Kind: ActionVerifySweep, Why: "sweep not clean; re-verify current state"}
	}

	// Stuck with nothing actionable left still routes to recovery.
	return Action{Kind: ActionRecoverStuck, Why: "no actionable work; discover value or course-correct"}
}

func anyBlocked(s *sprint.Snapshot) bool {
	for _, t := range s.Tasks {
		if t.Status == sprint.StatusBlocked {
			return true
		}
	}
	return false
}
