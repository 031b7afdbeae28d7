// Package worker defines the capability interface for the external
// reasoning workers the engine dispatches to. The engine never branches
// on which worker ran, only on the result type it returned.
package worker

import (
	"context"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Role names a worker specialization. Roles map to configured commands;
// the orchestration core treats them all as the same capability.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleBuilder    Role = "builder"
	RoleGatekeeper Role = "gatekeeper"
	RoleVerifier   Role = "verifier"
	RoleEvaluator  Role = "evaluator"
	RoleRecovery   Role = "recovery"
)

// Kind identifies what an assignment asks the worker to do.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindBuild    Kind = "build"
	KindGate     Kind = "gate"
	KindVerify   Kind = "verify"
	KindEvaluate Kind = "evaluate"
	KindRecover  Kind = "recover"
	KindReady    Kind = "ready"
)

// Assignment is the unit of work handed to a worker.
type Assignment struct {
	Kind      Kind         `json:"kind"`
	SprintID  string       `json:"sprint_id"`
	Iteration int          `json:"iteration"`
	Vision    string       `json:"vision,omitempty"`
	Task      *sprint.Task `json:"task,omitempty"`
	Gate      string       `json:"gate,omitempty"`
	Context   string       `json:"context,omitempty"`
	// Fresh requests an assessment without memory of why any task was
	// created, to avoid confirmation bias from accumulated context.
	Fresh bool `json:"fresh,omitempty"`
}

// ChangeOp is a structured task operation requested by a worker.
type ChangeOp string

const (
	OpAdd     ChangeOp = "add"
	OpModify  ChangeOp = "modify"
	OpRemove  ChangeOp = "remove"
	OpBlock   ChangeOp = "block"
	OpUnblock ChangeOp = "unblock"
)

// TaskChange is one requested task mutation. Workers return these as
// data; the engine validates and applies them -- workers never write
// state directly.
type TaskChange struct {
	Op     ChangeOp              `json:"op"`
	ID     string                `json:"id,omitempty"`
	Task   *sprint.Task          `json:"task,omitempty"`
	Reason *sprint.BlockedReason `json:"reason,omitempty"`
}

// CompletionReport is a builder's claim that a task is finished. The
// engine re-verifies independently before trusting it.
type CompletionReport struct {
	TaskID  string `json:"task_id"`
	Summary string `json:"summary"`
}

// Verification is the verifier's verdict on a single task.
type Verification struct {
	TaskID   string `json:"task_id"`
	Passed   bool   `json:"passed"`
	Evidence string `json:"evidence"`
}

// HumanActionRequest suspends the loop until a human acts. ResumeCheck is
// a machine-checkable command; exit status zero releases the pause.
type HumanActionRequest struct {
	Instructions string `json:"instructions"`
	ResumeCheck  string `json:"resume_check"`
}

// CorrectionKind classifies a structural plan change.
type CorrectionKind string

const (
	CorrectRestructure CorrectionKind = "restructure"
	CorrectDescope     CorrectionKind = "descope"
	CorrectRollback    CorrectionKind = "rollback"
	CorrectRegenerate  CorrectionKind = "regenerate_verification"
)

// CourseCorrection is a structural re-plan returned by a recovery worker.
type CourseCorrection struct {
	Kind    CorrectionKind `json:"kind"`
	Changes []TaskChange   `json:"changes,omitempty"`
	Reopen  []string       `json:"reopen,omitempty"`  // task ids whose guarantees regressed
	Descope []string       `json:"descope,omitempty"` // task ids to retire undelivered
	Notes   string         `json:"notes,omitempty"`
}

// Result is the structured outcome of an assignment. Exactly the fields
// relevant to the assignment kind are populated; the engine dispatches on
// which ones are set.
type Result struct {
	Changes      []TaskChange          `json:"changes,omitempty"`
	Completion   *CompletionReport     `json:"completion,omitempty"`
	Verification *Verification         `json:"verification,omitempty"`
	Assessment   *sprint.ValueSnapshot `json:"assessment,omitempty"`
	HumanAction  *HumanActionRequest   `json:"human_action,omitempty"`
	Correction   *CourseCorrection     `json:"correction,omitempty"`
	Ready        bool                  `json:"ready,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// Worker executes assignments. Implementations are swappable black
// boxes: a subprocess CLI, an API client, or an in-process fake.
type Worker interface {
	Execute(ctx context.Context, a Assignment) (Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, a Assignment) (Result, error)

// Execute implements Worker.
func (f Func) Execute(ctx context.Context, a Assignment) (Result, error) {
	return f(ctx, a)
}
