package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/sprintd/internal/gates"
	"github.com/kestrelworks/sprintd/internal/persistence"
	"github.com/kestrelworks/sprintd/internal/sprint"
	"github.com/kestrelworks/sprintd/internal/worker"
)

// fakeRoles builds a worker set from per-kind handlers, with sensible
// defaults: the environment is ready, gates are clean, verification
// passes, and the fresh assessment recommends shipping.
type fakeRoles struct {
	ready    func(a worker.Assignment) (worker.Result, error)
	build    func(a worker.Assignment) (worker.Result, error)
	gate     func(a worker.Assignment) (worker.Result, error)
	verify   func(a worker.Assignment) (worker.Result, error)
	evaluate func(a worker.Assignment) (worker.Result, error)
	recover  func(a worker.Assignment) (worker.Result, error)
}

func (f fakeRoles) workers() map[worker.Role]worker.Worker {
	if f.ready == nil {
		f.ready = func(worker.Assignment) (worker.Result, error) {
			return worker.Result{Ready: true}, nil
		}
	}
	if f.gate == nil {
		f.gate = func(worker.Assignment) (worker.Result, error) {
			return worker.Result{}, nil
		}
	}
	if f.build == nil {
		f.build = func(a worker.Assignment) (worker.Result, error) {
			return worker.Result{Completion: &worker.CompletionReport{TaskID: a.Task.ID, Summary: "built"}}, nil
		}
	}
	if f.verify == nil {
		f.verify = func(a worker.Assignment) (worker.Result, error) {
			return worker.Result{Verification: &worker.Verification{
				TaskID: a.Task.ID, Passed: true, Evidence: "criteria hold",
			}}, nil
		}
	}
	if f.evaluate == nil {
		f.evaluate = func(worker.Assignment) (worker.Result, error) {
			return worker.Result{Assessment: &sprint.ValueSnapshot{
				Score:          0.9,
				Recommendation: sprint.RecommendShipReady,
			}}, nil
		}
	}
	if f.recover == nil {
		f.recover = func(worker.Assignment) (worker.Result, error) {
			return worker.Result{Correction: &worker.CourseCorrection{Kind: worker.CorrectRestructure}}, nil
		}
	}

	dispatch := func(a worker.Assignment) (worker.Result, error) {
		switch a.Kind {
		case worker.KindReady:
			return f.ready(a)
		case worker.KindBuild:
			return f.build(a)
		case worker.KindGate:
			return f.gate(a)
		case worker.KindVerify:
			return f.verify(a)
		case worker.KindEvaluate:
			return f.evaluate(a)
		case worker.KindRecover:
			return f.recover(a)
		}
		return worker.Result{}, nil
	}
	fn := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		return dispatch(a)
	})

	return map[worker.Role]worker.Worker{
		worker.RoleBuilder:    fn,
		worker.RoleGatekeeper: fn,
		worker.RoleVerifier:   fn,
		worker.RoleEvaluator:  fn,
		worker.RoleRecovery:   fn,
	}
}

func newTestEngine(t *testing.T, roles fakeRoles) (*Engine, persistence.Store) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	workers := roles.workers()
	registry := gates.NewRegistry(store, workers[worker.RoleGatekeeper], 3, nil)
	return New(store, workers, registry, nil, nil), store
}

func seedSprint(t *testing.T, store persistence.Store, limits sprint.Limits, tasks ...sprint.Task) *sprint.Snapshot {
	t.Helper()
	ctx := context.Background()
	snap := sprint.New("sp-1", "ship the widget", limits, gates.Pipeline())
	require.NoError(t, store.Create(ctx, snap))

	muts := make([]sprint.Mutation, 0, len(tasks))
	for _, task := range tasks {
		muts = append(muts, sprint.AddTask{Task: task})
	}
	snap, err := store.Apply(ctx, snap, muts...)
	require.NoError(t, err)
	return snap
}

func TestRunHappyPathShips(t *testing.T) {
	eng, store := newTestEngine(t, fakeRoles{})
	seedSprint(t, store, testLimits(),
		sprint.Task{ID: "core", Description: "build the core"},
		sprint.Task{ID: "api", Description: "expose it", Dependencies: []string{"core"}},
	)

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomeShip, status.Outcome)

	snap := status.Snapshot
	for _, id := range []string{"core", "api"} {
		task := snap.Task(id)
		require.NotNil(t, task)
		assert.Equal(t, sprint.StatusDone, task.Status)
		assert.True(t, task.Verified)
		assert.NotEmpty(t, task.Evidence)
	}
	assert.True(t, snap.ReadinessConfirmed)
	assert.NotNil(t, snap.Sweep)
	assert.True(t, snap.Sweep.Clean)
	assert.Equal(t, 1, snap.ExitAttempts)
	assert.Nil(t, snap.FirstUnpassedGate())
}

func TestBuilderClaimAloneNeverCompletes(t *testing.T) {
	var verifications atomic.Int32
	eng, store := newTestEngine(t, fakeRoles{
		// The builder swears it is done; the verifier disagrees every time.
		verify: func(a worker.Assignment) (worker.Result, error) {
			if a.Kind == worker.KindVerify {
				verifications.Add(1)
			}
			return worker.Result{Verification: &worker.Verification{
				TaskID: a.Task.ID, Passed: false, Evidence: "acceptance criteria unmet",
			}}, nil
		},
		recover: func(worker.Assignment) (worker.Result, error) {
			return worker.Result{Correction: &worker.CourseCorrection{
				Kind:    worker.CorrectDescope,
				Descope: []string{"core"},
				Notes:   "cannot be delivered as specified",
			}}, nil
		},
	})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "core", Description: "build the core"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)

	task := status.Snapshot.Task("core")
	require.NotNil(t, task)
	assert.NotEqual(t, sprint.StatusDone, task.Status, "a task must never complete on the builder's word")
	assert.Equal(t, sprint.StatusDescoped, task.Status)
	assert.Equal(t, testLimits().TaskAttemptLimit, task.AttemptCount,
		"the stall limit bounds the attempts before force-blocking")
	assert.Positive(t, verifications.Load())
}

func TestHumanActionPausesTheLoop(t *testing.T) {
	eng, store := newTestEngine(t, fakeRoles{
		build: func(a worker.Assignment) (worker.Result, error) {
			return worker.Result{HumanAction: &worker.HumanActionRequest{
				Instructions: "add the deploy credential to the environment",
			}}, nil
		},
	})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "deploy", Description: "deploy it"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.True(t, status.Paused)

	snap := status.Snapshot
	require.NotNil(t, snap.Paused)
	task := snap.Task("deploy")
	require.NotNil(t, task)
	assert.Equal(t, sprint.StatusBlocked, task.Status)
	require.NotNil(t, task.BlockedReason)
	assert.Equal(t, sprint.BlockExternal, task.BlockedReason.Kind)

	// Calling Run again on a paused sprint does not iterate.
	again, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.True(t, again.Paused)
	assert.Equal(t, snap.BudgetUsed, again.Snapshot.BudgetUsed)
}

func TestResumeContinuesToShip(t *testing.T) {
	var paused atomic.Bool
	eng, store := newTestEngine(t, fakeRoles{
		build: func(a worker.Assignment) (worker.Result, error) {
			if paused.CompareAndSwap(false, true) {
				return worker.Result{HumanAction: &worker.HumanActionRequest{
					Instructions: "rotate the token",
				}}, nil
			}
			return worker.Result{Completion: &worker.CompletionReport{TaskID: a.Task.ID}}, nil
		},
	})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "deploy", Description: "deploy it"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	require.True(t, status.Paused)

	snap, err := eng.Resume(context.Background(), "sp-1", true)
	require.NoError(t, err)
	assert.Nil(t, snap.Paused)
	assert.Equal(t, sprint.StatusPending, snap.Task("deploy").Status)

	status, err = eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomeShip, status.Outcome)
}

func TestResumeRejectsWhenNotPaused(t *testing.T) {
	eng, store := newTestEngine(t, fakeRoles{})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "a"})

	_, err := eng.Resume(context.Background(), "sp-1", false)
	require.ErrorIs(t, err, sprint.ErrNotPaused)
}

func TestBudgetExhaustionTerminatesPartial(t *testing.T) {
	limits := testLimits()
	limits.BudgetTotal = 3 // readiness plus two gates, then nothing left

	eng, store := newTestEngine(t, fakeRoles{})
	seedSprint(t, store, limits, sprint.Task{ID: "a", Description: "never reached"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomePartialDelivery, status.Outcome)
	assert.Equal(t, sprint.StatusPending, status.Snapshot.Task("a").Status)
	assert.Equal(t, 3, status.Snapshot.BudgetUsed)
}

func TestExitGapOpensWorkInsteadOfShipping(t *testing.T) {
	var freshCalls atomic.Int32
	eng, store := newTestEngine(t, fakeRoles{
		evaluate: func(a worker.Assignment) (worker.Result, error) {
			if a.Fresh && freshCalls.Add(1) == 1 {
				return worker.Result{Assessment: &sprint.ValueSnapshot{
					Score: 0.6,
					Gaps: []sprint.Gap{{
						Description: "error handling is missing on the api path",
						Severity:    sprint.SeverityMajor,
					}},
					Recommendation: sprint.RecommendContinue,
				}}, nil
			}
			return worker.Result{Assessment: &sprint.ValueSnapshot{
				Score:          0.92,
				Recommendation: sprint.RecommendShipReady,
			}}, nil
		},
	})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "core", Description: "build the core"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomeShip, status.Outcome)

	snap := status.Snapshot
	assert.Len(t, snap.Tasks, 2, "the exit gap must become a task, not a silent exit")
	assert.Equal(t, 2, snap.ExitAttempts)
	for _, task := range snap.Tasks {
		assert.Equal(t, sprint.StatusDone, task.Status)
	}
	assert.GreaterOrEqual(t, freshCalls.Load(), int32(2))
}

func TestGateRemediationInvalidatesDownstreamPasses(t *testing.T) {
	var remediated atomic.Bool
	eng, store := newTestEngine(t, fakeRoles{
		gate: func(a worker.Assignment) (worker.Result, error) {
			// The coverage gate finds a missing task exactly once.
			if a.Gate == "coverage" && remediated.CompareAndSwap(false, true) {
				return worker.Result{Changes: []worker.TaskChange{{
					Op:   worker.OpAdd,
					Task: &sprint.Task{ID: "missing", Description: "cover the edge case"},
				}}}, nil
			}
			return worker.Result{}, nil
		},
	})
	seedSprint(t, store, testLimits(), sprint.Task{ID: "core", Description: "build the core"})

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomeShip, status.Outcome)

	snap := status.Snapshot
	require.NotNil(t, snap.Task("missing"))
	assert.Equal(t, sprint.StatusDone, snap.Task("missing").Status)
	assert.Nil(t, snap.FirstUnpassedGate(), "all gates must hold at the final fingerprint")
}

func TestRunRequeuesInterruptedTask(t *testing.T) {
	eng, store := newTestEngine(t, fakeRoles{})
	snap := seedSprint(t, store, testLimits(), sprint.Task{ID: "core", Description: "build the core"})

	// A crash after the dispatch was persisted leaves the task in
	// progress with nobody working on it.
	_, err := store.Apply(context.Background(), snap, sprint.StartTask{ID: "core"})
	require.NoError(t, err)

	status, err := eng.Run(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, sprint.OutcomeShip, status.Outcome)

	task := status.Snapshot.Task("core")
	require.NotNil(t, task)
	assert.Equal(t, sprint.StatusDone, task.Status)
	assert.Equal(t, 2, task.AttemptCount, "the interrupted attempt counts, then the retry lands")

	trail, err := store.Trail(context.Background(), "sp-1", 0)
	require.NoError(t, err)
	var requeued bool
	for _, e := range trail {
		if e.Kind == "fail_attempt" {
			requeued = true
		}
	}
	assert.True(t, requeued, "the interruption goes through the normal failure path")
}

func TestStepUnconfiguredRoleFails(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := New(store, nil, gates.NewRegistry(store, nil, 3, nil), nil, nil)
	snap := seedSprint(t, store, testLimits(), sprint.Task{ID: "a"})

	_, err = eng.Step(context.Background(), snap)
	require.ErrorIs(t, err, ErrRoleUnconfigured)
}
