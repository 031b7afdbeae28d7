package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// CommandConfig configures a subprocess-backed worker for one role.
type CommandConfig struct {
	Command      string
	Args         []string
	Model        string
	SystemPrompt string
	WorkDir      string
}

// request is the JSON envelope written to the worker's stdin.
type request struct {
	Assignment   Assignment `json:"assignment"`
	Model        string     `json:"model,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
}

// CommandWorker runs a configured CLI per assignment: the assignment goes
// in as JSON on stdin, the Result comes back as JSON on stdout. One
// subprocess per invocation, in its own process group.
type CommandWorker struct {
	role    Role
	cfg     CommandConfig
	procMgr *ProcessManager
}

// NewCommandWorker creates a subprocess-backed worker. The
// ProcessManager is optional; if nil, subprocesses are not tracked.
func NewCommandWorker(role Role, cfg CommandConfig, pm *ProcessManager) (*CommandWorker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("role %q: no command configured", role)
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = wd
	}
	cfg.WorkDir = workDir
	return &CommandWorker{role: role, cfg: cfg, procMgr: pm}, nil
}

// Role returns the role this worker serves.
func (w *CommandWorker) Role() Role {
	return w.role
}

// Execute implements Worker.
func (w *CommandWorker) Execute(ctx context.Context, a Assignment) (Result, error) {
	stdin, err := json.Marshal(request{
		Assignment:   a,
		Model:        w.cfg.Model,
		SystemPrompt: w.cfg.SystemPrompt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode assignment: %w", err)
	}

	cmd := newCommand(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.WorkDir

	stdout, stderr, err := executeCommand(ctx, cmd, w.procMgr, stdin)
	if err != nil {
		return Result{}, fmt.Errorf("%s worker failed: %w", w.role, err)
	}

	var res Result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return Result{}, fmt.Errorf("failed to parse %s worker response: %w (stderr: %s)", w.role, err, string(stderr))
	}
	return res, nil
}
