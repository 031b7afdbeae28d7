package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSeededSprint(t *testing.T, store *SQLiteStore) *sprint.Snapshot {
	t.Helper()
	snap := sprint.New("sp-1", "ship the widget", sprint.Limits{
		BudgetTotal:         50,
		StagnationThreshold: 3,
		TaskAttemptLimit:    3,
		GateRetryCeiling:    3,
		ExitMaxCycles:       3,
	}, []string{"consistency"})
	require.NoError(t, store.Create(context.Background(), snap))
	return snap
}

func TestLoadUnknownSprint(t *testing.T) {
	store := newStore(t)
	_, err := store.Load(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSprintNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snap := newSeededSprint(t, store)

	snap, err := store.Apply(ctx, snap,
		sprint.AddTask{Task: sprint.Task{
			ID:                 "a",
			Description:        "build the core",
			AcceptanceCriteria: []string{"unit tests pass"},
			Phase:              sprint.PhaseFoundation,
		}},
	)
	require.NoError(t, err)
	snap, err = store.Apply(ctx, snap, sprint.StartTask{ID: "a"})
	require.NoError(t, err)
	snap, err = store.Apply(ctx, snap, sprint.CompleteTask{ID: "a", Evidence: "tests green"})
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Version, loaded.Version)
	assert.Equal(t, snap.Vision, loaded.Vision)
	assert.Equal(t, snap.Limits, loaded.Limits)
	assert.Equal(t, snap.TaskFingerprint(), loaded.TaskFingerprint())

	task := loaded.Task("a")
	require.NotNil(t, task)
	assert.Equal(t, sprint.StatusDone, task.Status)
	assert.True(t, task.Verified)
	assert.Equal(t, "tests green", task.Evidence)
	assert.Equal(t, []string{"unit tests pass"}, task.AcceptanceCriteria)
}

func TestApplyPersistsEveryVersion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snap := newSeededSprint(t, store)
	v1 := snap.Version

	snap, err := store.Apply(ctx, snap, sprint.AddTask{Task: sprint.Task{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, v1+1, snap.Version)

	snap, err = store.Apply(ctx, snap, sprint.AddTask{Task: sprint.Task{ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, v1+2, snap.Version)

	// Load always sees the latest committed version.
	loaded, err := store.Load(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Version, loaded.Version)
	assert.Len(t, loaded.Tasks, 2)
}

func TestRejectedMutationIsAuditedAndStateUntouched(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snap := newSeededSprint(t, store)

	got, err := store.Apply(ctx, snap, sprint.AddTask{Task: sprint.Task{
		ID:           "a",
		Dependencies: []string{"ghost"},
	}})
	require.ErrorIs(t, err, sprint.ErrUnknownDependency)
	assert.Same(t, snap, got, "a rejected batch returns the prior snapshot")

	loaded, err := store.Load(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Version, loaded.Version)
	assert.Empty(t, loaded.Tasks)

	trail, err := store.Trail(ctx, "sp-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "mutation_rejected", trail[0].Kind)
}

func TestApplyWritesChangeAuditRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snap := newSeededSprint(t, store)

	snap, err := store.Apply(ctx, snap,
		sprint.AddTask{Task: sprint.Task{ID: "a", Source: "planner"}},
		sprint.GatePassed{Name: "consistency", Fingerprint: 1, Runs: 1},
	)
	require.NoError(t, err)

	// The pass above is against a bogus fingerprint, so the same commit
	// records its invalidation.
	trail, err := store.Trail(ctx, "sp-1", 0)
	require.NoError(t, err)

	kinds := make([]string, 0, len(trail))
	for _, e := range trail {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "add_task")
	assert.Contains(t, kinds, "gate_passed")
	assert.Contains(t, kinds, "gate_invalidated")
}

func TestTrailOrderAndLimit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	newSeededSprint(t, store)

	for _, kind := range []string{"first", "second", "third"} {
		require.NoError(t, store.Audit(ctx, AuditEntry{
			SprintID: "sp-1",
			Kind:     kind,
			Detail:   "detail " + kind,
		}))
	}

	trail, err := store.Trail(ctx, "sp-1", 2)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "third", trail[0].Kind)
	assert.Equal(t, "second", trail[1].Kind)
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	dbPath := t.TempDir() + "/nested/dir/sprints.db"

	store, err := NewSQLiteStore(ctx, dbPath)
	require.NoError(t, err, "parent directories are created on demand")

	snap := sprint.New("sp-disk", "persist me", sprint.Limits{BudgetTotal: 10}, nil)
	require.NoError(t, store.Create(ctx, snap))
	require.NoError(t, store.Close())

	// Reopen and read back.
	store, err = NewSQLiteStore(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load(ctx, "sp-disk")
	require.NoError(t, err)
	assert.Equal(t, "persist me", loaded.Vision)
}
