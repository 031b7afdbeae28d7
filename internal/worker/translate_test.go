package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

func TestMutationsTranslatesEveryOp(t *testing.T) {
	muts, err := Mutations([]TaskChange{
		{Op: OpAdd, Task: &sprint.Task{ID: "a", Description: "do a"}},
		{Op: OpModify, ID: "a", Task: &sprint.Task{Description: "do a better"}},
		{Op: OpBlock, ID: "a", Reason: &sprint.BlockedReason{
			Kind:   sprint.BlockExternal,
			Detail: "waiting on credentials",
		}},
		{Op: OpUnblock, ID: "a"},
		{Op: OpRemove, ID: "a"},
	})
	require.NoError(t, err)
	require.Len(t, muts, 5)

	add, ok := muts[0].(sprint.AddTask)
	require.True(t, ok)
	assert.Equal(t, "a", add.Task.ID)

	mod, ok := muts[1].(sprint.ModifyTask)
	require.True(t, ok)
	assert.Equal(t, "a", mod.ID)
	require.NotNil(t, mod.Description)
	assert.Equal(t, "do a better", *mod.Description)
	assert.Nil(t, mod.Dependencies, "untouched fields stay nil")

	block, ok := muts[2].(sprint.BlockTask)
	require.True(t, ok)
	assert.Equal(t, sprint.BlockExternal, block.Reason.Kind)

	_, ok = muts[3].(sprint.UnblockTask)
	require.True(t, ok)

	rm, ok := muts[4].(sprint.RemoveTask)
	require.True(t, ok)
	assert.Equal(t, "a", rm.ID)
}

func TestMutationsAssignsMissingTaskID(t *testing.T) {
	muts, err := Mutations([]TaskChange{
		{Op: OpAdd, Task: &sprint.Task{Description: "anonymous"}},
	})
	require.NoError(t, err)
	add := muts[0].(sprint.AddTask)
	assert.NotEmpty(t, add.Task.ID)
}

func TestMutationsBlockWithoutReasonDefaultsInternal(t *testing.T) {
	muts, err := Mutations([]TaskChange{{Op: OpBlock, ID: "a"}})
	require.NoError(t, err)
	block := muts[0].(sprint.BlockTask)
	assert.Equal(t, sprint.BlockInternal, block.Reason.Kind)
}

func TestMutationsRejectsMalformedChanges(t *testing.T) {
	cases := []struct {
		name    string
		changes []TaskChange
	}{
		{"add without payload", []TaskChange{{Op: OpAdd}}},
		{"modify without payload", []TaskChange{{Op: OpModify, ID: "a"}}},
		{"modify without id", []TaskChange{{Op: OpModify, Task: &sprint.Task{Description: "x"}}}},
		{"remove without id", []TaskChange{{Op: OpRemove}}},
		{"block without id", []TaskChange{{Op: OpBlock}}},
		{"unblock without id", []TaskChange{{Op: OpUnblock}}},
		{"unknown op", []TaskChange{{Op: "explode", ID: "a"}}},
		{"bad change after good one", []TaskChange{
			{Op: OpAdd, Task: &sprint.Task{ID: "a"}},
			{Op: OpRemove},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			muts, err := Mutations(tc.changes)
			require.Error(t, err)
			assert.Nil(t, muts, "a rejected batch yields no mutations at all")
		})
	}
}

func TestGapTasksSeverityPicksPhase(t *testing.T) {
	muts := GapTasks([]sprint.Gap{
		{Description: "auth flow has no error path", Severity: sprint.SeverityMajor},
		{Description: "help text is stale", Severity: sprint.SeverityMinor},
	}, "evaluator")
	require.Len(t, muts, 2)

	major := muts[0].(sprint.AddTask)
	assert.Equal(t, sprint.PhaseFeature, major.Task.Phase)
	assert.Equal(t, "evaluator", major.Task.Source)
	assert.NotEmpty(t, major.Task.ID)

	minor := muts[1].(sprint.AddTask)
	assert.Equal(t, sprint.PhasePolish, minor.Task.Phase)
}
