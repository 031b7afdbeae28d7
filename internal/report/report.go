// Package report renders human-readable projections of a sprint
// snapshot. Projections are read-only; nothing here writes state.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Status renders a one-screen summary of where the sprint stands.
func Status(s *sprint.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sprint %s (v%d)\n", s.SprintID, s.Version)
	fmt.Fprintf(&b, "  vision:  %s\n", s.Vision)
	fmt.Fprintf(&b, "  started: %s\n", humanize.Time(s.CreatedAt))

	switch {
	case s.Terminated():
		fmt.Fprintf(&b, "  state:   terminated (%s): %s\n", s.Outcome, s.OutcomeWhy)
	case s.Paused != nil:
		fmt.Fprintf(&b, "  state:   paused since %s\n", humanize.Time(s.Paused.RequestedAt))
		fmt.Fprintf(&b, "           %s\n", s.Paused.Instructions)
		if s.Paused.ResumeCheck != "" {
			fmt.Fprintf(&b, "           resume check: %s\n", s.Paused.ResumeCheck)
		}
	default:
		fmt.Fprintf(&b, "  state:   running\n")
	}

	fmt.Fprintf(&b, "  budget:  %d/%d iterations (%.0f%%)\n",
		s.BudgetUsed, s.Limits.BudgetTotal, s.BudgetFraction()*100)

	counts := map[sprint.Status]int{}
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	fmt.Fprintf(&b, "  tasks:   %d total, %d done, %d pending, %d blocked, %d descoped\n",
		len(s.Tasks), counts[sprint.StatusDone], counts[sprint.StatusPending],
		counts[sprint.StatusBlocked], counts[sprint.StatusDescoped])

	passed := 0
	for _, g := range s.Gates {
		if g.Passed {
			passed++
		}
	}
	fmt.Fprintf(&b, "  gates:   %d/%d passed", passed, len(s.Gates))
	if g := s.FirstUnpassedGate(); g != nil {
		fmt.Fprintf(&b, " (next: %s)", g.Name)
	}
	b.WriteString("\n")

	if v := s.LastValue(); v != nil {
		fmt.Fprintf(&b, "  value:   %.2f, %d gaps, recommends %s (%s)\n",
			v.Score, len(v.Gaps), v.Recommendation, humanize.Time(v.At))
	}
	if s.Stuck {
		fmt.Fprintf(&b, "  notice:  stuck signal raised, recovery pending\n")
	}
	return b.String()
}

// Plan renders the task list as a checklist in execution order: phase,
// then insertion order within the phase.
func Plan(s *sprint.Snapshot) string {
	tasks := append([]*sprint.Task(nil), s.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		if pi, pj := sprint.PhaseRank(tasks[i].Phase), sprint.PhaseRank(tasks[j].Phase); pi != pj {
			return pi < pj
		}
		return tasks[i].Seq < tasks[j].Seq
	})

	var b strings.Builder
	fmt.Fprintf(&b, "plan for sprint %s\n", s.SprintID)
	phase := sprint.Phase("")
	for _, t := range tasks {
		if t.Phase != phase {
			phase = t.Phase
			fmt.Fprintf(&b, "\n%s\n", phase)
		}
		fmt.Fprintf(&b, "  %s %s: %s%s\n", mark(t), t.ID, t.Description, annotate(t))
		for _, dep := range t.Dependencies {
			fmt.Fprintf(&b, "        needs %s\n", dep)
		}
	}
	return b.String()
}

// Delivery renders the end-of-sprint report: what shipped, what was cut,
// and the evidence behind each completion.
func Delivery(s *sprint.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "delivery report for sprint %s\n", s.SprintID)
	fmt.Fprintf(&b, "  outcome: %s\n", outcomeLine(s))
	fmt.Fprintf(&b, "  effort:  %d iterations over %s\n",
		s.BudgetUsed, humanize.RelTime(s.CreatedAt, s.UpdatedAt, "", ""))

	var done, descoped, unfinished []*sprint.Task
	for _, t := range s.Tasks {
		switch t.Status {
		case sprint.StatusDone:
			done = append(done, t)
		case sprint.StatusDescoped:
			descoped = append(descoped, t)
		default:
			unfinished = append(unfinished, t)
		}
	}

	if len(done) > 0 {
		b.WriteString("\ndelivered\n")
		for _, t := range done {
			fmt.Fprintf(&b, "  [x] %s: %s\n", t.ID, t.Description)
			if t.Evidence != "" {
				fmt.Fprintf(&b, "      evidence: %s\n", t.Evidence)
			}
		}
	}
	if len(descoped) > 0 {
		b.WriteString("\ndescoped\n")
		for _, t := range descoped {
			fmt.Fprintf(&b, "  [-] %s: %s\n", t.ID, t.Description)
		}
	}
	if len(unfinished) > 0 {
		b.WriteString("\nunfinished\n")
		for _, t := range unfinished {
			fmt.Fprintf(&b, "  [ ] %s: %s (%s)%s\n", t.ID, t.Description, t.Status, annotate(t))
		}
	}

	if v := s.LastValue(); v != nil {
		fmt.Fprintf(&b, "\nfinal assessment: score %.2f, %d gaps, recommends %s\n",
			v.Score, len(v.Gaps), v.Recommendation)
		for _, g := range v.Gaps {
			fmt.Fprintf(&b, "  gap (%s): %s\n", g.Severity, g.Description)
		}
	}

	var warned []string
	for _, g := range s.Gates {
		if g.Warned {
			warned = append(warned, g.Name)
		}
	}
	if len(warned) > 0 {
		fmt.Fprintf(&b, "\ngate warnings: %s passed at the retry ceiling\n", strings.Join(warned, ", "))
	}
	return b.String()
}

func outcomeLine(s *sprint.Snapshot) string {
	if !s.Terminated() {
		return "still running"
	}
	return fmt.Sprintf("%s (%s)", s.Outcome, s.OutcomeWhy)
}

func mark(t *sprint.Task) string {
	switch t.Status {
	case sprint.StatusDone:
		return "[x]"
	case sprint.StatusDescoped:
		return "[-]"
	case sprint.StatusInProgress:
		return "[~]"
	case sprint.StatusBlocked:
		return "[!]"
	default:
		return "[ ]"
	}
}

func annotate(t *sprint.Task) string {
	if t.Status == sprint.StatusBlocked && t.BlockedReason != nil {
		return fmt.Sprintf(" (blocked %s: %s)", t.BlockedReason.Kind, t.BlockedReason.Detail)
	}
	if t.AttemptCount > 1 {
		return fmt.Sprintf(" (%d attempts)", t.AttemptCount)
	}
	return ""
}
