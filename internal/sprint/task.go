package sprint

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusDescoped   Status = "descoped"
)

// Phase orders tasks by category: foundational work runs before polish.
type Phase string

const (
	PhaseFoundation  Phase = "foundation"
	PhaseFeature     Phase = "feature"
	PhaseIntegration Phase = "integration"
	PhasePolish      Phase = "polish"
)

// PhaseRank returns the scheduling rank of a phase (lower runs first).
// Unknown phases sort last so misdeclared tasks never jump the queue.
func PhaseRank(p Phase) int {
	switch p {
	case PhaseFoundation:
		return 0
	case PhaseFeature:
		return 1
	case PhaseIntegration:
		return 2
	case PhasePolish:
		return 3
	default:
		return 4
	}
}

// BlockKind distinguishes who can resolve a blocker.
type BlockKind string

const (
	// BlockExternal requires a human (credential, approval, physical action).
	BlockExternal BlockKind = "external"
	// BlockInternal is something the loop itself can still address.
	BlockInternal BlockKind = "internal"
)

// BlockedReason explains why a task is blocked. Present only when
// Status == StatusBlocked.
type BlockedReason struct {
	Kind   BlockKind `json:"kind"`
	Detail string    `json:"detail"`
	// ResumeCheck is a shell command for external blockers; exit status
	// zero means the blocker is resolved.
	ResumeCheck string `json:"resume_check,omitempty"`
}

// Task is a unit of work in the sprint's dependency graph.
type Task struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description"`
	ValueStatement     string         `json:"value_statement,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Status             Status         `json:"status"`
	BlockedReason      *BlockedReason `json:"blocked_reason,omitempty"`
	Source             string         `json:"source,omitempty"` // provenance only, never scheduling
	AttemptCount       int            `json:"attempt_count"`
	Phase              Phase          `json:"phase,omitempty"`
	Verified           bool           `json:"verified"` // independent re-verification happened
	Evidence           string         `json:"evidence,omitempty"`
	Seq                int            `json:"seq"` // insertion order, final selector tiebreak
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Retired reports whether the task no longer needs work.
func (t *Task) Retired() bool {
	return t.Status == StatusDone || t.Status == StatusDescoped
}

// cloneTask returns a deep copy of the task.
func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.AcceptanceCriteria != nil {
		cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.BlockedReason != nil {
		br := *t.BlockedReason
		cp.BlockedReason = &br
	}
	return &cp
}

// Gate is a named checkpoint that must pass before execution may proceed.
// Its Passed flag is trustworthy only while LastFingerprint matches the
// current task-set fingerprint.
type Gate struct {
	Name            string `json:"name"`
	Passed          bool   `json:"passed"`
	Warned          bool   `json:"warned"` // hit the remediation ceiling without stabilizing
	Runs            int    `json:"runs"`
	LastFingerprint uint64 `json:"last_fingerprint"`
}

// GapSeverity grades a gap reported by a value assessment.
type GapSeverity string

const (
	SeverityBlocking GapSeverity = "blocking"
	SeverityMajor    GapSeverity = "major"
	SeverityMinor    GapSeverity = "minor"
)

// Gap is a missing piece of promised value, convertible into a task.
type Gap struct {
	Description string      `json:"description"`
	Severity    GapSeverity `json:"severity"`
}

// Recommendation is the evaluator's suggested next move.
type Recommendation string

const (
	RecommendContinue      Recommendation = "continue"
	RecommendCourseCorrect Recommendation = "course_correct"
	RecommendDescope       Recommendation = "descope"
	RecommendShipReady     Recommendation = "ship_ready"
)

// ValueSnapshot is an external judgment of how much promised value is
// actually delivered. Opaque to the engine beyond its structure.
type ValueSnapshot struct {
	Score          float64        `json:"score"` // in [0,1]
	Gaps           []Gap          `json:"gaps,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	Fresh          bool           `json:"fresh"` // produced without accumulated context
	Iteration      int            `json:"iteration"`
	At             time.Time      `json:"at"`
}
