// Package progress watches the loop's fingerprint history for stagnation,
// both sprint-wide and per task.
package progress

import (
	"sort"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Verdict classifies the loop's forward motion.
type Verdict string

const (
	// Advancing: the progress fingerprint moved since last iteration.
	Advancing Verdict = "advancing"
	// Stalled: unchanged fingerprint, counter still below threshold.
	Stalled Verdict = "stalled"
	// Stuck: the stagnation threshold was crossed; escalation is due.
	Stuck Verdict = "stuck"
)

// Observe classifies the snapshot's current motion. The counters
// themselves advance inside the iteration-record mutation, so this is a
// pure read: the verdict is a function of state alone.
func Observe(s *sprint.Snapshot) Verdict {
	if s.Stuck {
		return Stuck
	}
	last := s.LastIteration()
	if last == nil {
		return Advancing
	}
	if last.Fingerprint == s.ProgressFingerprint() && s.Stagnation > 0 {
		return Stalled
	}
	if s.Stagnation > 0 {
		return Stalled
	}
	return Advancing
}

// StalledTasks returns the ids of tasks whose consecutive failed attempts
// reached the per-task limit. These are force-block candidates: one stuck
// task must not starve the whole loop.
func StalledTasks(s *sprint.Snapshot) []string {
	limit := s.Limits.TaskAttemptLimit
	if limit <= 0 {
		return nil
	}
	var ids []string
	for id, stalls := range s.TaskStalls {
		if stalls < limit {
			continue
		}
		t := s.Task(id)
		if t == nil || t.Status == sprint.StatusBlocked || t.Retired() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
