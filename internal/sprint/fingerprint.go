package sprint

import (
	"sort"

	"github.com/mitchellh/hashstructure/v2"
)

// taskDigest is the slice of task state a gate evaluation is sensitive
// to: what the plan says, not how far along it is. Statuses, attempt
// counts, and timestamps are excluded so routine execution progress
// never invalidates a gate.
type taskDigest struct {
	ID                 string
	Description        string
	AcceptanceCriteria []string
	Dependencies       []string
	Phase              Phase
}

// progressDigest is the cheap per-iteration summary the stagnation
// detector compares. Counts only: the monitor cares whether anything
// moved, not what.
type progressDigest struct {
	Done        int
	Blocked     int
	Descoped    int
	Total       int
	GatesPassed int
	SweepClean  bool
}

// TaskFingerprint summarizes the current task set. Any mutation that
// changes what the tasks say or how they relate changes this value, which
// is what invalidates stale gate passes.
func (s *Snapshot) TaskFingerprint() uint64 {
	digests := make([]taskDigest, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		deps := append([]string(nil), t.Dependencies...)
		sort.Strings(deps)
		digests = append(digests, taskDigest{
			ID:                 t.ID,
			Description:        t.Description,
			AcceptanceCriteria: t.AcceptanceCriteria,
			Dependencies:       deps,
			Phase:              t.Phase,
		})
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].ID < digests[j].ID })
	return hashOf(digests)
}

// ProgressFingerprint summarizes forward motion for the stuck detector.
func (s *Snapshot) ProgressFingerprint() uint64 {
	d := progressDigest{Total: len(s.Tasks)}
	for _, t := range s.Tasks {
		switch t.Status {
		case StatusDone:
			d.Done++
		case StatusBlocked:
			d.Blocked++
		case StatusDescoped:
			d.Descoped++
		}
	}
	for _, g := range s.Gates {
		if g.Passed {
			d.GatesPassed++
		}
	}
	if s.Sweep != nil {
		d.SweepClean = s.Sweep.Clean
	}
	return hashOf(d)
}

// hashOf hashes a value with hashstructure. Hashing plain structs of
// strings and ints cannot fail; a zero return would only mean a
// programming error in the digest types.
func hashOf(v any) uint64 {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}
