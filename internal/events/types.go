package events

import (
	"time"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Sprint() string
}

// Topic constants
const (
	TopicLoop = "loop"
	TopicTask = "task"
	TopicGate = "gate"
)

// Event type constants
const (
	EventTypeActionDecided    = "loop.action_decided"
	EventTypeStuckDetected    = "loop.stuck_detected"
	EventTypeValueAssessed    = "loop.value_assessed"
	EventTypePauseRequested   = "loop.pause_requested"
	EventTypeSprintTerminated = "loop.terminated"
	EventTypeTaskDispatched   = "task.dispatched"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskBlocked      = "task.blocked"
	EventTypeGatePassed       = "gate.passed"
	EventTypeGateInvalidated  = "gate.invalidated"
)

// ActionDecidedEvent is published when the decision engine picks the
// iteration's action.
type ActionDecidedEvent struct {
	SprintID  string
	Iteration int
	Action    string
	Detail    string
	Timestamp time.Time
}

func (e ActionDecidedEvent) EventType() string { return EventTypeActionDecided }
func (e ActionDecidedEvent) Sprint() string    { return e.SprintID }

// TaskDispatchedEvent is published when a task is handed to a builder.
type TaskDispatchedEvent struct {
	SprintID  string
	TaskID    string
	Attempt   int
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) Sprint() string    { return e.SprintID }

// TaskCompletedEvent is published when a task passes independent
// re-verification and is marked done.
type TaskCompletedEvent struct {
	SprintID  string
	TaskID    string
	Evidence  string
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Sprint() string    { return e.SprintID }

// TaskFailedEvent is published when an execution attempt fails.
type TaskFailedEvent struct {
	SprintID  string
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Sprint() string    { return e.SprintID }

// TaskBlockedEvent is published when a task is blocked, including
// force-blocks from the per-task stall detector.
type TaskBlockedEvent struct {
	SprintID  string
	TaskID    string
	Kind      sprint.BlockKind
	Detail    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) Sprint() string    { return e.SprintID }

// GatePassedEvent is published when a gate passes.
type GatePassedEvent struct {
	SprintID  string
	Gate      string
	Rounds    int
	Warned    bool
	Timestamp time.Time
}

func (e GatePassedEvent) EventType() string { return EventTypeGatePassed }
func (e GatePassedEvent) Sprint() string    { return e.SprintID }

// StuckDetectedEvent is published when the stagnation threshold fires.
type StuckDetectedEvent struct {
	SprintID  string
	Iteration int
	Timestamp time.Time
}

func (e StuckDetectedEvent) EventType() string { return EventTypeStuckDetected }
func (e StuckDetectedEvent) Sprint() string    { return e.SprintID }

// ValueAssessedEvent is published when a value assessment lands.
type ValueAssessedEvent struct {
	SprintID       string
	Score          float64
	Gaps           int
	Recommendation sprint.Recommendation
	Timestamp      time.Time
}

func (e ValueAssessedEvent) EventType() string { return EventTypeValueAssessed }
func (e ValueAssessedEvent) Sprint() string    { return e.SprintID }

// PauseRequestedEvent is published when the loop suspends for a human.
type PauseRequestedEvent struct {
	SprintID     string
	Instructions string
	Timestamp    time.Time
}

func (e PauseRequestedEvent) EventType() string { return EventTypePauseRequested }
func (e PauseRequestedEvent) Sprint() string    { return e.SprintID }

// SprintTerminatedEvent is published on any terminal outcome.
type SprintTerminatedEvent struct {
	SprintID  string
	Outcome   sprint.Outcome
	Why       string
	Timestamp time.Time
}

func (e SprintTerminatedEvent) EventType() string { return EventTypeSprintTerminated }
func (e SprintTerminatedEvent) Sprint() string    { return e.SprintID }
