package sprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		BudgetTotal:         50,
		StagnationThreshold: 3,
		TaskAttemptLimit:    3,
		GateRetryCeiling:    3,
		ExitMaxCycles:       3,
	}
}

func newTestSnapshot(t *testing.T, muts ...Mutation) *Snapshot {
	t.Helper()
	s := New("sp-1", "ship the widget", testLimits(), []string{"consistency", "coverage"})
	if len(muts) == 0 {
		return s
	}
	next, _, err := Apply(s, muts...)
	require.NoError(t, err)
	return next
}

func TestApplyGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		muts    []Mutation
		wantErr error
	}{
		{
			name: "valid linear chain",
			muts: []Mutation{
				AddTask{Task: Task{ID: "a", Description: "first"}},
				AddTask{Task: Task{ID: "b", Description: "second", Dependencies: []string{"a"}}},
				AddTask{Task: Task{ID: "c", Description: "third", Dependencies: []string{"b"}}},
			},
		},
		{
			name: "direct cycle rejected",
			muts: []Mutation{
				AddTask{Task: Task{ID: "a", Dependencies: []string{"b"}}},
				AddTask{Task: Task{ID: "b", Dependencies: []string{"a"}}},
			},
			wantErr: ErrCycle,
		},
		{
			name: "unknown dependency rejected",
			muts: []Mutation{
				AddTask{Task: Task{ID: "a", Dependencies: []string{"ghost"}}},
			},
			wantErr: ErrUnknownDependency,
		},
		{
			name: "duplicate id rejected",
			muts: []Mutation{
				AddTask{Task: Task{ID: "a"}},
				AddTask{Task: Task{ID: "a"}},
			},
			wantErr: ErrDuplicateTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := newTestSnapshot(t)
			next, _, err := Apply(base, tt.muts...)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				// The input snapshot must be untouched on rejection.
				assert.Empty(t, base.Tasks)
				return
			}
			require.NoError(t, err)
			assert.Len(t, next.Tasks, len(tt.muts))
			assert.Equal(t, base.Version+1, next.Version)
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := newTestSnapshot(t, AddTask{Task: Task{ID: "a", Description: "one"}})
	before := base.Tasks[0].Status

	next, _, err := Apply(base, StartTask{ID: "a"})
	require.NoError(t, err)

	assert.Equal(t, before, base.Tasks[0].Status)
	assert.Equal(t, StatusInProgress, next.Task("a").Status)
}

func TestCompleteTaskRequiresEvidence(t *testing.T) {
	s := newTestSnapshot(t,
		AddTask{Task: Task{ID: "a"}},
	)
	s, _, err := Apply(s, StartTask{ID: "a"})
	require.NoError(t, err)

	_, _, err = Apply(s, CompleteTask{ID: "a"})
	require.ErrorIs(t, err, ErrNoEvidence)

	s, _, err = Apply(s, CompleteTask{ID: "a", Evidence: "all criteria checked"})
	require.NoError(t, err)
	task := s.Task("a")
	assert.Equal(t, StatusDone, task.Status)
	assert.True(t, task.Verified)
	assert.Equal(t, "all criteria checked", task.Evidence)
}

func TestReopenIsTheOnlyWayBack(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	s, _, err := Apply(s, StartTask{ID: "a"})
	require.NoError(t, err)
	s, _, err = Apply(s, CompleteTask{ID: "a", Evidence: "ok"})
	require.NoError(t, err)

	// Done tasks reject modification and blocking outright.
	desc := "edited"
	_, _, err = Apply(s, ModifyTask{ID: "a", Description: &desc})
	require.ErrorIs(t, err, ErrTaskDone)
	_, _, err = Apply(s, BlockTask{ID: "a", Reason: BlockedReason{Kind: BlockInternal}})
	require.ErrorIs(t, err, ErrTaskDone)

	s, _, err = Apply(s, ReopenTask{ID: "a", Reason: "regression in acceptance check"})
	require.NoError(t, err)
	task := s.Task("a")
	assert.Equal(t, StatusPending, task.Status)
	assert.False(t, task.Verified)
	assert.Empty(t, task.Evidence)
}

func TestReopenRejectsNonDone(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	_, _, err := Apply(s, ReopenTask{ID: "a", Reason: "nope"})
	require.Error(t, err)
}

func TestFailAttemptCountsStalls(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})

	for i := 1; i <= 2; i++ {
		var err error
		s, _, err = Apply(s, StartTask{ID: "a"})
		require.NoError(t, err)
		s, _, err = Apply(s, FailAttempt{ID: "a", Reason: "tests failed"})
		require.NoError(t, err)
		assert.Equal(t, i, s.TaskStalls["a"])
	}
	assert.Equal(t, StatusPending, s.Task("a").Status)
	assert.Equal(t, 2, s.Task("a").AttemptCount)
}

func TestCompleteClearsStallCounter(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	s, _, err := Apply(s, StartTask{ID: "a"})
	require.NoError(t, err)
	s, _, err = Apply(s, FailAttempt{ID: "a", Reason: "flaky"})
	require.NoError(t, err)
	require.Equal(t, 1, s.TaskStalls["a"])

	s, _, err = Apply(s, StartTask{ID: "a"})
	require.NoError(t, err)
	s, _, err = Apply(s, CompleteTask{ID: "a", Evidence: "verified"})
	require.NoError(t, err)
	assert.Zero(t, s.TaskStalls["a"])
}

func TestRemoveReferencedTaskRejected(t *testing.T) {
	s := newTestSnapshot(t,
		AddTask{Task: Task{ID: "a"}},
		AddTask{Task: Task{ID: "b", Dependencies: []string{"a"}}},
	)
	_, _, err := Apply(s, RemoveTask{ID: "a"})
	require.ErrorIs(t, err, ErrTaskReferenced)

	s, _, err = Apply(s, RemoveTask{ID: "b"})
	require.NoError(t, err)
	_, _, err = Apply(s, RemoveTask{ID: "a"})
	require.NoError(t, err)
}

func TestGateInvalidationOnTaskSetChange(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	fp := s.TaskFingerprint()

	s, _, err := Apply(s, GatePassed{Name: "consistency", Fingerprint: fp, Runs: 1})
	require.NoError(t, err)
	require.True(t, s.Gate("consistency").Passed)

	// Changing the task set drops the stale pass in the same commit.
	s, changes, err := Apply(s, AddTask{Task: Task{ID: "b"}})
	require.NoError(t, err)
	assert.False(t, s.Gate("consistency").Passed)

	var invalidated bool
	for _, c := range changes {
		if c.Kind == "gate_invalidated" {
			invalidated = true
		}
	}
	assert.True(t, invalidated, "invalidation must be explicit in the change log")
}

func TestGatePassSurvivesNonTaskMutations(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	s, _, err := Apply(s, GatePassed{Name: "consistency", Fingerprint: s.TaskFingerprint(), Runs: 1})
	require.NoError(t, err)

	s, _, err = Apply(s, RecordIteration{Action: "run_gate", Fingerprint: 42})
	require.NoError(t, err)
	assert.True(t, s.Gate("consistency").Passed)
}

func TestStagnationFiresOnceAndResets(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	const fp = uint64(7)

	var err error
	// Threshold is 3: the first record sets the baseline, two repeats
	// reach the threshold.
	for i := 0; i < 2; i++ {
		s, _, err = Apply(s, RecordIteration{Action: "run_task", Fingerprint: fp})
		require.NoError(t, err)
		assert.False(t, s.Stuck)
	}
	s, _, err = Apply(s, RecordIteration{Action: "run_task", Fingerprint: fp})
	require.NoError(t, err)
	assert.True(t, s.Stuck, "stuck must fire at the threshold")
	assert.Zero(t, s.Stagnation, "counter resets when the signal fires")

	// The next unchanged iteration does not re-fire immediately.
	s, _, err = Apply(s, ClearStuck{})
	require.NoError(t, err)
	s, _, err = Apply(s, RecordIteration{Action: "run_task", Fingerprint: fp})
	require.NoError(t, err)
	assert.False(t, s.Stuck)

	// Progress resets the counter entirely.
	s, _, err = Apply(s, RecordIteration{Action: "run_task", Fingerprint: fp + 1})
	require.NoError(t, err)
	assert.Zero(t, s.Stagnation)
}

func TestRecordIterationConsumesBudget(t *testing.T) {
	s := newTestSnapshot(t)
	s, _, err := Apply(s, RecordIteration{Action: "confirm_readiness", Fingerprint: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, s.BudgetUsed)
	require.NotNil(t, s.LastIteration())
	assert.Equal(t, 1, s.LastIteration().N)
}

func TestTerminatedSnapshotRejectsMutations(t *testing.T) {
	s := newTestSnapshot(t, AddTask{Task: Task{ID: "a"}})
	s, _, err := Apply(s, Terminate{Outcome: OutcomeShip, Why: "done"})
	require.NoError(t, err)
	require.True(t, s.Terminated())

	_, _, err = Apply(s, AddTask{Task: Task{ID: "b"}})
	require.ErrorIs(t, err, ErrTerminated)
}

func TestPauseAndResume(t *testing.T) {
	s := newTestSnapshot(t)
	_, _, err := Apply(s, Resume{})
	require.ErrorIs(t, err, ErrNotPaused)

	s, _, err = Apply(s, Pause{Instructions: "add the API key", ResumeCheck: "test -f .env"})
	require.NoError(t, err)
	require.NotNil(t, s.Paused)
	assert.Equal(t, "test -f .env", s.Paused.ResumeCheck)

	s, _, err = Apply(s, Resume{})
	require.NoError(t, err)
	assert.Nil(t, s.Paused)
}

func TestDescopeRetiresTask(t *testing.T) {
	s := newTestSnapshot(t,
		AddTask{Task: Task{ID: "a"}},
		AddTask{Task: Task{ID: "b", Dependencies: []string{"a"}}},
	)
	s, _, err := Apply(s, DescopeTask{ID: "a", Rationale: "cut for budget"})
	require.NoError(t, err)
	assert.Equal(t, StatusDescoped, s.Task("a").Status)
	assert.True(t, s.Task("a").Retired())
}
