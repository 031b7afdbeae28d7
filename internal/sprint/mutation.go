package sprint

import (
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/toposort"
)

// Validation errors. Callers decide whether to retry or escalate; the
// snapshot is never left half-mutated.
var (
	ErrUnknownTask       = errors.New("unknown task id")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("dependency on non-existent task")
	ErrCycle             = errors.New("dependency cycle")
	ErrTaskDone          = errors.New("task is done; only a regression may reopen it")
	ErrTaskReferenced    = errors.New("task is still referenced as a dependency")
	ErrNoEvidence        = errors.New("completion without verification evidence")
	ErrUnknownGate       = errors.New("unknown gate")
	ErrTerminated        = errors.New("sprint already terminated")
	ErrNotPaused         = errors.New("sprint is not paused")
)

// Mutation is a typed operation against a snapshot. Mutations are the
// only legal way to change sprint state; they are applied exclusively
// through Apply, never individually.
type Mutation interface {
	Kind() string
	apply(s *Snapshot, now time.Time) error
}

// Change is the audit record of one applied mutation.
type Change struct {
	Kind   string
	Detail string
}

// Apply validates and applies a batch of mutations atomically against a
// clone of snap. On any failure the original snapshot is returned
// unchanged alongside the error. On success the clone carries a bumped
// version, and every gate whose fingerprint predates a task-set change
// is explicitly invalidated.
func Apply(snap *Snapshot, muts ...Mutation) (*Snapshot, []Change, error) {
	if snap.Terminated() {
		return snap, nil, ErrTerminated
	}
	if len(muts) == 0 {
		return snap, nil, nil
	}

	now := time.Now().UTC()
	next := snap.Clone()
	beforeFP := next.TaskFingerprint()

	changes := make([]Change, 0, len(muts))
	for _, m := range muts {
		if err := m.apply(next, now); err != nil {
			return snap, nil, fmt.Errorf("%s: %w", m.Kind(), err)
		}
		changes = append(changes, Change{Kind: m.Kind(), Detail: describe(m)})
	}

	if err := validateGraph(next); err != nil {
		return snap, nil, err
	}

	// Task-set changed: every gate still claiming a pass against the old
	// fingerprint loses it, explicitly and loggably.
	afterFP := next.TaskFingerprint()
	if afterFP != beforeFP {
		for _, g := range next.Gates {
			if g.Passed && g.LastFingerprint != afterFP {
				g.Passed = false
				changes = append(changes, Change{
					Kind:   "gate_invalidated",
					Detail: fmt.Sprintf("gate %q invalidated by task-set change", g.Name),
				})
			}
		}
	}

	next.Version++
	next.UpdatedAt = now
	return next, changes, nil
}

// validateGraph rejects dependencies on unknown tasks and cycles.
func validateGraph(s *Snapshot) error {
	ids := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		ids[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range s.Tasks {
		if len(t.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("task %q: %w: %q", t.ID, ErrUnknownDependency, dep)
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

func describe(m Mutation) string {
	type detailer interface{ detail() string }
	if d, ok := m.(detailer); ok {
		return d.detail()
	}
	return m.Kind()
}

// AddTask introduces a new task into the graph.
type AddTask struct {
	Task Task
}

func (m AddTask) Kind() string   { return "add_task" }
func (m AddTask) detail() string { return fmt.Sprintf("task %q (%s)", m.Task.ID, m.Task.Source) }

func (m AddTask) apply(s *Snapshot, now time.Time) error {
	if m.Task.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownTask)
	}
	if s.Task(m.Task.ID) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, m.Task.ID)
	}
	t := cloneTask(&m.Task)
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Phase == "" {
		t.Phase = PhaseFeature
	}
	s.TaskSeq++
	t.Seq = s.TaskSeq
	t.CreatedAt = now
	t.UpdatedAt = now
	s.Tasks = append(s.Tasks, t)
	return nil
}

// ModifyTask edits the editable fields of an existing task. Nil fields
// are left as-is. Done tasks reject modification; reopen them first.
type ModifyTask struct {
	ID                 string
	Description        *string
	ValueStatement     *string
	AcceptanceCriteria *[]string
	Dependencies       *[]string
	Phase              *Phase
}

func (m ModifyTask) Kind() string   { return "modify_task" }
func (m ModifyTask) detail() string { return fmt.Sprintf("task %q", m.ID) }

func (m ModifyTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status == StatusDone {
		return fmt.Errorf("%w: %q", ErrTaskDone, m.ID)
	}
	if m.Description != nil {
		t.Description = *m.Description
	}
	if m.ValueStatement != nil {
		t.ValueStatement = *m.ValueStatement
	}
	if m.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = append([]string(nil), (*m.AcceptanceCriteria)...)
	}
	if m.Dependencies != nil {
		t.Dependencies = append([]string(nil), (*m.Dependencies)...)
	}
	if m.Phase != nil {
		t.Phase = *m.Phase
	}
	t.UpdatedAt = now
	return nil
}

// RemoveTask deletes a task that nothing depends on.
type RemoveTask struct {
	ID string
}

func (m RemoveTask) Kind() string   { return "remove_task" }
func (m RemoveTask) detail() string { return fmt.Sprintf("task %q", m.ID) }

func (m RemoveTask) apply(s *Snapshot, now time.Time) error {
	idx := -1
	for i, t := range s.Tasks {
		if t.ID == m.ID {
			idx = i
		}
		for _, dep := range t.Dependencies {
			if dep == m.ID && t.ID != m.ID {
				return fmt.Errorf("%w: %q needed by %q", ErrTaskReferenced, m.ID, t.ID)
			}
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	s.Tasks = append(s.Tasks[:idx], s.Tasks[idx+1:]...)
	delete(s.TaskStalls, m.ID)
	return nil
}

// BlockTask marks a task blocked with a reason. The reason's kind is what
// the engine later reads to distinguish "pause for a human" from
// "resolvable by the loop" -- it is never inferred.
type BlockTask struct {
	ID     string
	Reason BlockedReason
}

func (m BlockTask) Kind() string { return "block_task" }
func (m BlockTask) detail() string {
	return fmt.Sprintf("task %q (%s: %s)", m.ID, m.Reason.Kind, m.Reason.Detail)
}

func (m BlockTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status == StatusDone {
		return fmt.Errorf("%w: %q", ErrTaskDone, m.ID)
	}
	reason := m.Reason
	t.Status = StatusBlocked
	t.BlockedReason = &reason
	t.UpdatedAt = now
	return nil
}

// UnblockTask returns a blocked task to the pending pool.
type UnblockTask struct {
	ID string
}

func (m UnblockTask) Kind() string   { return "unblock_task" }
func (m UnblockTask) detail() string { return fmt.Sprintf("task %q", m.ID) }

func (m UnblockTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status != StatusBlocked {
		return fmt.Errorf("task %q is not blocked", m.ID)
	}
	t.Status = StatusPending
	t.BlockedReason = nil
	t.UpdatedAt = now
	return nil
}

// StartTask marks a pending task in progress and counts the attempt.
type StartTask struct {
	ID string
}

func (m StartTask) Kind() string   { return "start_task" }
func (m StartTask) detail() string { return fmt.Sprintf("task %q", m.ID) }

func (m StartTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %q is %s, not pending", m.ID, t.Status)
	}
	t.Status = StatusInProgress
	t.AttemptCount++
	t.UpdatedAt = now
	return nil
}

// CompleteTask marks a task done. Evidence is the engine's independent
// re-verification output; a builder's self-report alone never completes
// a task, and the mutation layer enforces that.
type CompleteTask struct {
	ID       string
	Evidence string
}

func (m CompleteTask) Kind() string   { return "complete_task" }
func (m CompleteTask) detail() string { return fmt.Sprintf("task %q", m.ID) }

func (m CompleteTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status == StatusDone {
		return fmt.Errorf("%w: %q", ErrTaskDone, m.ID)
	}
	if m.Evidence == "" {
		return fmt.Errorf("%w: %q", ErrNoEvidence, m.ID)
	}
	t.Status = StatusDone
	t.Verified = true
	t.Evidence = m.Evidence
	t.BlockedReason = nil
	t.UpdatedAt = now
	delete(s.TaskStalls, m.ID)
	return nil
}

// FailAttempt returns an in-progress task to pending and bumps its stall
// counter. The counter lives in the snapshot so the per-task stuck
// threshold is a pure function of state.
type FailAttempt struct {
	ID     string
	Reason string
}

func (m FailAttempt) Kind() string   { return "fail_attempt" }
func (m FailAttempt) detail() string { return fmt.Sprintf("task %q: %s", m.ID, m.Reason) }

func (m FailAttempt) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("task %q is %s, not in progress", m.ID, t.Status)
	}
	t.Status = StatusPending
	t.UpdatedAt = now
	if s.TaskStalls == nil {
		s.TaskStalls = map[string]int{}
	}
	s.TaskStalls[m.ID]++
	return nil
}

// DescopeTask retires a task without doing it.
type DescopeTask struct {
	ID        string
	Rationale string
}

func (m DescopeTask) Kind() string   { return "descope_task" }
func (m DescopeTask) detail() string { return fmt.Sprintf("task %q: %s", m.ID, m.Rationale) }

func (m DescopeTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status == StatusDone {
		return fmt.Errorf("%w: %q", ErrTaskDone, m.ID)
	}
	t.Status = StatusDescoped
	t.BlockedReason = nil
	t.UpdatedAt = now
	delete(s.TaskStalls, m.ID)
	return nil
}

// ReopenTask is the regression path: the only way a done task leaves that
// state. Its verified flag is dropped; dependents become non-runnable
// again automatically because the dependency is no longer done.
type ReopenTask struct {
	ID     string
	Reason string
	Block  bool // reopen straight into blocked when the regression needs triage
}

func (m ReopenTask) Kind() string   { return "reopen_task" }
func (m ReopenTask) detail() string { return fmt.Sprintf("task %q: %s", m.ID, m.Reason) }

func (m ReopenTask) apply(s *Snapshot, now time.Time) error {
	t := s.Task(m.ID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, m.ID)
	}
	if t.Status != StatusDone {
		return fmt.Errorf("task %q is %s, not done", m.ID, t.Status)
	}
	t.Verified = false
	t.Evidence = ""
	if m.Block {
		t.Status = StatusBlocked
		t.BlockedReason = &BlockedReason{Kind: BlockInternal, Detail: m.Reason}
	} else {
		t.Status = StatusPending
	}
	t.UpdatedAt = now
	return nil
}

// GatePassed records a gate pass against the task-set fingerprint it was
// evaluated with.
type GatePassed struct {
	Name        string
	Fingerprint uint64
	Runs        int
	Warned      bool
}

func (m GatePassed) Kind() string   { return "gate_passed" }
func (m GatePassed) detail() string { return fmt.Sprintf("gate %q (runs=%d warned=%v)", m.Name, m.Runs, m.Warned) }

func (m GatePassed) apply(s *Snapshot, now time.Time) error {
	g := s.Gate(m.Name)
	if g == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGate, m.Name)
	}
	g.Passed = true
	g.Warned = m.Warned
	g.Runs += m.Runs
	g.LastFingerprint = m.Fingerprint
	return nil
}

// InvalidateGate explicitly drops a gate's pass.
type InvalidateGate struct {
	Name  string
	Cause string
}

func (m InvalidateGate) Kind() string   { return "gate_invalidated" }
func (m InvalidateGate) detail() string { return fmt.Sprintf("gate %q: %s", m.Name, m.Cause) }

func (m InvalidateGate) apply(s *Snapshot, now time.Time) error {
	g := s.Gate(m.Name)
	if g == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGate, m.Name)
	}
	g.Passed = false
	return nil
}

// ConfirmReadiness records that environment/service readiness checks held.
type ConfirmReadiness struct{}

func (m ConfirmReadiness) Kind() string { return "confirm_readiness" }

func (m ConfirmReadiness) apply(s *Snapshot, now time.Time) error {
	s.ReadinessConfirmed = true
	return nil
}

// RecordIteration appends an iteration record, consumes one budget unit,
// and advances the stagnation counter. The baseline record counts as the
// first of a run: when the threshold's worth of consecutive iterations
// share one fingerprint, the stuck signal fires once and the counter
// resets.
type RecordIteration struct {
	Action      string
	Fingerprint uint64
}

func (m RecordIteration) Kind() string   { return "record_iteration" }
func (m RecordIteration) detail() string { return fmt.Sprintf("action %s", m.Action) }

func (m RecordIteration) apply(s *Snapshot, now time.Time) error {
	prev := s.LastIteration()
	n := 1
	if prev != nil {
		n = prev.N + 1
	}
	s.Iterations = append(s.Iterations, IterationRecord{
		N:           n,
		Action:      m.Action,
		Fingerprint: m.Fingerprint,
		At:          now,
	})
	s.BudgetUsed++

	if prev != nil && prev.Fingerprint == m.Fingerprint {
		s.Stagnation++
		// Stagnation counts repeats; the run length includes the record
		// that set the baseline.
		if s.Limits.StagnationThreshold > 0 && s.Stagnation+1 >= s.Limits.StagnationThreshold {
			s.Stuck = true
			s.Stagnation = 0
		}
	} else {
		s.Stagnation = 0
	}
	return nil
}

// ClearStuck acknowledges a stuck signal once recovery has dispatched.
type ClearStuck struct{}

func (m ClearStuck) Kind() string { return "clear_stuck" }

func (m ClearStuck) apply(s *Snapshot, now time.Time) error {
	s.Stuck = false
	return nil
}

// RecordValue appends a value assessment to the history.
type RecordValue struct {
	Assessment ValueSnapshot
}

func (m RecordValue) Kind() string { return "record_value" }
func (m RecordValue) detail() string {
	return fmt.Sprintf("score %.2f, %d gaps, %s", m.Assessment.Score, len(m.Assessment.Gaps), m.Assessment.Recommendation)
}

func (m RecordValue) apply(s *Snapshot, now time.Time) error {
	a := m.Assessment
	if a.At.IsZero() {
		a.At = now
	}
	if prev := s.LastIteration(); prev != nil {
		a.Iteration = prev.N
	}
	s.ValueHistory = append(s.ValueHistory, a)
	return nil
}

// RecordSweep stores the outcome of a full verification sweep against the
// task-set fingerprint it ran on.
type RecordSweep struct {
	Fingerprint uint64
	Clean       bool
	Gaps        int
}

func (m RecordSweep) Kind() string   { return "record_sweep" }
func (m RecordSweep) detail() string { return fmt.Sprintf("clean=%v gaps=%d", m.Clean, m.Gaps) }

func (m RecordSweep) apply(s *Snapshot, now time.Time) error {
	s.Sweep = &SweepState{
		Fingerprint: m.Fingerprint,
		Clean:       m.Clean,
		Gaps:        m.Gaps,
		At:          now,
	}
	return nil
}

// RecordExitAttempt counts one exit-controller cycle.
type RecordExitAttempt struct{}

func (m RecordExitAttempt) Kind() string { return "record_exit_attempt" }

func (m RecordExitAttempt) apply(s *Snapshot, now time.Time) error {
	s.ExitAttempts++
	return nil
}

// Pause suspends the loop awaiting a human action.
type Pause struct {
	Instructions string
	ResumeCheck  string
}

func (m Pause) Kind() string   { return "pause" }
func (m Pause) detail() string { return m.Instructions }

func (m Pause) apply(s *Snapshot, now time.Time) error {
	s.Paused = &PauseState{
		Instructions: m.Instructions,
		ResumeCheck:  m.ResumeCheck,
		RequestedAt:  now,
	}
	return nil
}

// Resume lifts a pause after its resume condition succeeded.
type Resume struct{}

func (m Resume) Kind() string { return "resume" }

func (m Resume) apply(s *Snapshot, now time.Time) error {
	if s.Paused == nil {
		return ErrNotPaused
	}
	s.Paused = nil
	return nil
}

// Terminate ends the sprint with an outcome and rationale.
type Terminate struct {
	Outcome Outcome
	Why     string
}

func (m Terminate) Kind() string   { return "terminate" }
func (m Terminate) detail() string { return fmt.Sprintf("%s: %s", m.Outcome, m.Why) }

func (m Terminate) apply(s *Snapshot, now time.Time) error {
	s.Outcome = m.Outcome
	s.OutcomeWhy = m.Why
	return nil
}
