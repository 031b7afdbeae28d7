// Package scheduler selects the next runnable task from the sprint's
// dependency graph under priority and dependency constraints.
package scheduler

import (
	"sort"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// NextRunnable returns the highest-priority runnable task, or nil when no
// task is runnable. nil is a distinct signal from "no tasks remain": the
// caller must inspect the blocked split to tell an empty backlog from a
// wedged one.
func NextRunnable(s *sprint.Snapshot) *sprint.Task {
	runnable := Runnable(s)
	if len(runnable) == 0 {
		return nil
	}
	return runnable[0]
}

// Runnable returns every pending task whose dependencies are all
// satisfied, in dispatch order:
//  1. number of pending tasks downstream of this one, descending --
//     unblock the most work first;
//  2. phase order -- foundational work before polish;
//  3. insertion order as the final tiebreak.
func Runnable(s *sprint.Snapshot) []*sprint.Task {
	var runnable []*sprint.Task
	for _, t := range s.Tasks {
		if t.Status != sprint.StatusPending {
			continue
		}
		if depsSatisfied(s, t) {
			runnable = append(runnable, t)
		}
	}

	weight := make(map[string]int, len(runnable))
	for _, t := range runnable {
		weight[t.ID] = DownstreamPending(s, t.ID)
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		a, b := runnable[i], runnable[j]
		if weight[a.ID] != weight[b.ID] {
			return weight[a.ID] > weight[b.ID]
		}
		if sprint.PhaseRank(a.Phase) != sprint.PhaseRank(b.Phase) {
			return sprint.PhaseRank(a.Phase) < sprint.PhaseRank(b.Phase)
		}
		return a.Seq < b.Seq
	})
	return runnable
}

// HasPending reports whether any task still waits in the pending pool.
func HasPending(s *sprint.Snapshot) bool {
	for _, t := range s.Tasks {
		if t.Status == sprint.StatusPending || t.Status == sprint.StatusInProgress {
			return true
		}
	}
	return false
}

// DownstreamPending counts the pending tasks that transitively depend on
// the given task.
func DownstreamPending(s *sprint.Snapshot, id string) int {
	dependents := make(map[string][]string)
	for _, t := range s.Tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	seen := map[string]bool{}
	count := 0
	queue := append([]string(nil), dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if t := s.Task(next); t != nil && t.Status == sprint.StatusPending {
			count++
		}
		queue = append(queue, dependents[next]...)
	}
	return count
}

// depsSatisfied reports whether every dependency is resolved. Done
// satisfies; descoped satisfies too, since a deliberately retired
// dependency must not wedge its dependents forever.
func depsSatisfied(s *sprint.Snapshot, t *sprint.Task) bool {
	for _, dep := range t.Dependencies {
		d := s.Task(dep)
		if d == nil {
			return false
		}
		switch d.Status {
		case sprint.StatusDone, sprint.StatusDescoped:
		default:
			return false
		}
	}
	return true
}
