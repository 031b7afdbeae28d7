package sprint

import "time"

// Outcome is the terminal state of a sprint. Empty means still running.
type Outcome string

const (
	OutcomeShip            Outcome = "ship"
	OutcomePartialDelivery Outcome = "partial_delivery"
	OutcomeEscalated       Outcome = "escalated"
)

// Limits holds every threshold the loop consults. They live in the snapshot
// so resumption after a crash reproduces the exact same decisions.
type Limits struct {
	BudgetTotal         int `json:"budget_total"`          // iterations
	StagnationThreshold int `json:"stagnation_threshold"`  // unchanged fingerprints before stuck fires
	TaskAttemptLimit    int `json:"task_attempt_limit"`    // failed attempts before force-block
	GateRetryCeiling    int `json:"gate_retry_ceiling"`    // remediation rounds per gate run
	ExitMaxCycles       int `json:"exit_max_cycles"`       // exit-controller cycles before partial delivery
}

// IterationRecord captures one turn of the loop.
type IterationRecord struct {
	N           int       `json:"n"`
	Action      string    `json:"action"`
	Fingerprint uint64    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// PauseState suspends the loop awaiting a specific human action.
// ResumeCheck is a shell command; exit status zero releases the pause.
type PauseState struct {
	Instructions string    `json:"instructions"`
	ResumeCheck  string    `json:"resume_check"`
	RequestedAt  time.Time `json:"requested_at"`
}

// SweepState records the last full verification sweep.
type SweepState struct {
	Fingerprint uint64    `json:"fingerprint"` // task set the sweep ran against
	Clean       bool      `json:"clean"`
	Gaps        int       `json:"gaps"`
	At          time.Time `json:"at"`
}

// Snapshot is the single durable document for a sprint: the full task
// graph, gate registry, counters, and value history. It is the only
// source of truth; every human-readable view is a projection of it.
type Snapshot struct {
	SprintID string `json:"sprint_id"`
	Version  int    `json:"version"`
	Vision   string `json:"vision"`

	Tasks []*Task `json:"tasks"`
	Gates []*Gate `json:"gates"` // fixed pipeline order

	Iterations   []IterationRecord `json:"iterations"`
	ValueHistory []ValueSnapshot   `json:"value_history,omitempty"`

	Limits     Limits `json:"limits"`
	BudgetUsed int    `json:"budget_used"`

	Stagnation int            `json:"stagnation"`
	Stuck      bool           `json:"stuck"` // raised by the monitor, cleared when recovery dispatches
	TaskStalls map[string]int `json:"task_stalls,omitempty"`

	ReadinessConfirmed bool        `json:"readiness_confirmed"`
	Sweep              *SweepState `json:"sweep,omitempty"`
	ExitAttempts       int         `json:"exit_attempts"`

	Paused     *PauseState `json:"paused,omitempty"`
	Outcome    Outcome     `json:"outcome,omitempty"`
	OutcomeWhy string      `json:"outcome_why,omitempty"`

	TaskSeq   int       `json:"task_seq"` // monotonic insertion counter
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a fresh snapshot with the given gate pipeline.
func New(sprintID, vision string, limits Limits, gateNames []string) *Snapshot {
	now := time.Now().UTC()
	gates := make([]*Gate, 0, len(gateNames))
	for _, name := range gateNames {
		gates = append(gates, &Gate{Name: name})
	}
	return &Snapshot{
		SprintID:   sprintID,
		Version:    1,
		Vision:     vision,
		Tasks:      []*Task{},
		Gates:      gates,
		Limits:     limits,
		TaskStalls: map[string]int{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Task returns the task with the given id, or nil.
func (s *Snapshot) Task(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Gate returns the gate with the given name, or nil.
func (s *Snapshot) Gate(name string) *Gate {
	for _, g := range s.Gates {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// FirstUnpassedGate returns the first gate in pipeline order whose pass
// is not currently trustworthy, or nil when the whole pipeline holds.
func (s *Snapshot) FirstUnpassedGate() *Gate {
	fp := s.TaskFingerprint()
	for _, g := range s.Gates {
		if !g.Passed || g.LastFingerprint != fp {
			return g
		}
	}
	return nil
}

// AllSettled reports whether every task is done or descoped.
func (s *Snapshot) AllSettled() bool {
	for _, t := range s.Tasks {
		if !t.Retired() {
			return false
		}
	}
	return true
}

// Blocked returns blocked tasks split by who can resolve them.
func (s *Snapshot) Blocked() (external, internal []*Task) {
	for _, t := range s.Tasks {
		if t.Status != StatusBlocked {
			continue
		}
		if t.BlockedReason != nil && t.BlockedReason.Kind == BlockExternal {
			external = append(external, t)
		} else {
			internal = append(internal, t)
		}
	}
	return external, internal
}

// Terminated reports whether the sprint reached a terminal state.
func (s *Snapshot) Terminated() bool {
	return s.Outcome != ""
}

// BudgetFraction returns consumed budget as a fraction of the total.
func (s *Snapshot) BudgetFraction() float64 {
	if s.Limits.BudgetTotal <= 0 {
		return 0
	}
	return float64(s.BudgetUsed) / float64(s.Limits.BudgetTotal)
}

// LastIteration returns the most recent iteration record, or nil.
func (s *Snapshot) LastIteration() *IterationRecord {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// LastValue returns the most recent value assessment, or nil.
func (s *Snapshot) LastValue() *ValueSnapshot {
	if len(s.ValueHistory) == 0 {
		return nil
	}
	return &s.ValueHistory[len(s.ValueHistory)-1]
}

// Clone returns a deep copy of the snapshot. Mutations always apply to a
// clone so a rejected batch leaves the caller's snapshot untouched.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		cp.Tasks[i] = cloneTask(t)
	}
	cp.Gates = make([]*Gate, len(s.Gates))
	for i, g := range s.Gates {
		gc := *g
		cp.Gates[i] = &gc
	}
	cp.Iterations = append([]IterationRecord(nil), s.Iterations...)
	cp.ValueHistory = append([]ValueSnapshot(nil), s.ValueHistory...)
	cp.TaskStalls = make(map[string]int, len(s.TaskStalls))
	for k, v := range s.TaskStalls {
		cp.TaskStalls[k] = v
	}
	if s.Paused != nil {
		p := *s.Paused
		cp.Paused = &p
	}
	if s.Sweep != nil {
		sw := *s.Sweep
		cp.Sweep = &sw
	}
	return &cp
}
