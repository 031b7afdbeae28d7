package worker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Mutations converts worker-requested task changes into typed mutations.
// This is the only bridge between what a worker said and what the engine
// applies; anything malformed is rejected here, before validation even
// sees it.
func Mutations(changes []TaskChange) ([]sprint.Mutation, error) {
	muts := make([]sprint.Mutation, 0, len(changes))
	for i, ch := range changes {
		switch ch.Op {
		case OpAdd:
			if ch.Task == nil {
				return nil, fmt.Errorf("change %d: add without task payload", i)
			}
			t := *ch.Task
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			muts = append(muts, sprint.AddTask{Task: t})

		case OpModify:
			if ch.Task == nil {
				return nil, fmt.Errorf("change %d: modify without task payload", i)
			}
			id := ch.ID
			if id == "" {
				id = ch.Task.ID
			}
			if id == "" {
				return nil, fmt.Errorf("change %d: modify without target id", i)
			}
			m := sprint.ModifyTask{ID: id}
			if ch.Task.Description != "" {
				d := ch.Task.Description
				m.Description = &d
			}
			if ch.Task.ValueStatement != "" {
				v := ch.Task.ValueStatement
				m.ValueStatement = &v
			}
			if ch.Task.AcceptanceCriteria != nil {
				ac := append([]string(nil), ch.Task.AcceptanceCriteria...)
				m.AcceptanceCriteria = &ac
			}
			if ch.Task.Dependencies != nil {
				deps := append([]string(nil), ch.Task.Dependencies...)
				m.Dependencies = &deps
			}
			if ch.Task.Phase != "" {
				p := ch.Task.Phase
				m.Phase = &p
			}
			muts = append(muts, m)

		case OpRemove:
			if ch.ID == "" {
				return nil, fmt.Errorf("change %d: remove without target id", i)
			}
			muts = append(muts, sprint.RemoveTask{ID: ch.ID})

		case OpBlock:
			if ch.ID == "" {
				return nil, fmt.Errorf("change %d: block without target id", i)
			}
			reason := sprint.BlockedReason{Kind: sprint.BlockInternal}
			if ch.Reason != nil {
				reason = *ch.Reason
			}
			muts = append(muts, sprint.BlockTask{ID: ch.ID, Reason: reason})

		case OpUnblock:
			if ch.ID == "" {
				return nil, fmt.Errorf("change %d: unblock without target id", i)
			}
			muts = append(muts, sprint.UnblockTask{ID: ch.ID})

		default:
			return nil, fmt.Errorf("change %d: unknown op %q", i, ch.Op)
		}
	}
	return muts, nil
}

// GapTasks converts value-assessment gaps into add-task mutations, one
// task per gap, provenance-tagged with the reporting source.
func GapTasks(gaps []sprint.Gap, source string) []sprint.Mutation {
	muts := make([]sprint.Mutation, 0, len(gaps))
	for _, gap := range gaps {
		phase := sprint.PhaseFeature
		if gap.Severity == sprint.SeverityMinor {
			phase = sprint.PhasePolish
		}
		muts = append(muts, sprint.AddTask{Task: sprint.Task{
			ID:          uuid.NewString(),
			Description: gap.Description,
			Source:      source,
			Phase:       phase,
		}})
	}
	return muts
}
