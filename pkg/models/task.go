package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskState string

const (
	InitializingTaskState TaskState = "Initializing"
	RunningTaskState      TaskState = "Running"
	SuccessTaskState      TaskState = "Success"
	FailureTaskState      TaskState = "Failure"
	AbortedTaskState      TaskState = "Aborted"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskState) IsTerminal() bool {
	return s == SuccessTaskState || s == FailureTaskState || s == AbortedTaskState
}

// CanTransitionTo enforces the Initializing -> Running -> terminal chain.
// Running may be skipped, a terminal state never changes.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case InitializingTaskState:
		return next == RunningTaskState || next.IsTerminal()
	case RunningTaskState:
		return next.IsTerminal()
	default:
		return false
	}
}

// TaskType tags a task implementation in the registry (e.g. "RunUniverseScript").
type TaskType string

// Category is the user-facing label of a batch. The empty category means the
// records of the batch are not shown to users.
type Category string

const (
	UnsetCategory             Category = ""
	ConfigureUniverseCategory Category = "ConfigureUniverse"
	ProvisioningCategory      Category = "Provisioning"
	StoppingProcessesCategory Category = "StoppingNodeProcesses"
	StartingProcessesCategory Category = "StartingNodeProcesses"
	RemovingServersCategory   Category = "RemovingUnusedServers"
	RunningScriptCategory     Category = "RunningExternalScript"
)

// UnplacedPosition marks a record that has not been assigned to a plan slot.
const UnplacedPosition = -1

// ErrorStringKey is the details field holding the failure annotation.
const ErrorStringKey = "errorString"

// ProgressRecord is the persisted execution record of one task instance.
type ProgressRecord struct {
	ID          uuid.UUID       `json:"id" db:"id"`                                 // Correlation id for top-level tasks
	TaskType    TaskType        `json:"task_type" db:"task_type"`                   // Registry tag
	State       TaskState       `json:"state" db:"state"`                           // Lifecycle state
	Owner       string          `json:"owner" db:"owner"`                           // Hostname of the executing process
	Position    int             `json:"position" db:"position"`                     // Slot in the parent's plan, -1 if unplaced
	ParentID    uuid.NullUUID   `json:"parent_id" db:"parent_id"`                   // Task that built the plan holding this record
	Category    Category        `json:"category,omitempty" db:"category"`           // User-facing label
	Details     json.RawMessage `json:"details" db:"details"`                       // Task parameters, plus errorString on failure
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`                 // Creation timestamp
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`                 // Last update timestamp
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`       // Set on Running
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`   // Set on a terminal state
}

// ErrorString returns the failure annotation stored in the details, if any.
func (r ProgressRecord) ErrorString() string {
	if len(r.Details) == 0 {
		return ""
	}
	var details map[string]any
	if err := json.Unmarshal(r.Details, &details); err != nil {
		return ""
	}
	s, _ := details[ErrorStringKey].(string)
	return s
}

// WithErrorString returns details with errorString set to msg. Details that are
// not a JSON object are kept under the "details" key.
func WithErrorString(details json.RawMessage, msg string) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &obj); err != nil {
			if json.Valid(details) {
				obj = map[string]any{"details": details}
			} else {
				obj = map[string]any{"details": string(details)}
			}
		}
	}
	obj[ErrorStringKey] = msg
	return json.Marshal(obj)
}
