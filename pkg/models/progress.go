package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStep groups the records sharing one position of a plan.
type TaskStep struct {
	Position int              `json:"position"`
	Category Category         `json:"category,omitempty"`
	State    TaskState        `json:"state"`
	Tasks    []ProgressRecord `json:"tasks"`
}

// TaskProgress is the caller-facing view of a submitted task.
type TaskProgress struct {
	TaskID          uuid.UUID  `json:"task_id"`
	TaskType        TaskType   `json:"task_type"`
	State           TaskState  `json:"state"`
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	PercentComplete int        `json:"percent_complete"`
	ErrorString     string     `json:"error_string,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Steps           []TaskStep `json:"steps"`
}

// NewTaskProgress builds the view from the top-level record and its sub-task
// records, which must be sorted by position.
func NewTaskProgress(root ProgressRecord, subTasks []ProgressRecord) TaskProgress {
	p := TaskProgress{
		TaskID:      root.ID,
		TaskType:    root.TaskType,
		State:       root.State,
		TotalTasks:  len(subTasks),
		ErrorString: root.ErrorString(),
		CreatedAt:   root.CreatedAt,
		CompletedAt: root.CompletedAt,
		Steps:       []TaskStep{},
	}
	for _, rec := range subTasks {
		if rec.State == SuccessTaskState {
			p.CompletedTasks++
		}
		n := len(p.Steps)
		if n == 0 || p.Steps[n-1].Position != rec.Position {
			p.Steps = append(p.Steps, TaskStep{Position: rec.Position, Category: rec.Category})
			n++
		}
		p.Steps[n-1].Tasks = append(p.Steps[n-1].Tasks, rec)
	}
	for i := range p.Steps {
		p.Steps[i].State = stepState(p.Steps[i].Tasks)
	}
	switch {
	case p.TotalTasks > 0:
		p.PercentComplete = p.CompletedTasks * 100 / p.TotalTasks
	case root.State == SuccessTaskState:
		p.PercentComplete = 100
	}
	return p
}

func stepState(tasks []ProgressRecord) TaskState {
	var running, done, aborted int
	for _, t := range tasks {
		switch t.State {
		case FailureTaskState:
			return FailureTaskState
		case AbortedTaskState:
			aborted++
		case RunningTaskState:
			running++
		case SuccessTaskState:
			done++
		}
	}
	switch {
	case aborted > 0:
		return AbortedTaskState
	case done == len(tasks):
		return SuccessTaskState
	case running > 0 || done > 0:
		return RunningTaskState
	default:
		return InitializingTaskState
	}
}
