package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/pkg/errors"
)

const (
	RunNodeCommandType    models.TaskType = "RunNodeCommand"
	RunUniverseScriptType models.TaskType = "RunUniverseScript"
	UnlockUniverseType    models.TaskType = "UnlockUniverse"
)

// Register adds the built-in task types to reg. Node commands go through runner.
func Register(reg *service.Registry, runner CommandRunner) error {
	factories := map[models.TaskType]service.Factory{
		RunNodeCommandType:    func() service.Task { return &RunNodeCommand{runner: runner} },
		RunUniverseScriptType: func() service.Task { return &RunUniverseScript{} },
		UnlockUniverseType:    func() service.Task { return &UnlockUniverse{} },
	}
	for taskType, factory := range factories {
		if err := reg.Register(taskType, factory); err != nil {
			return err
		}
	}
	return nil
}

type NodeCommandParams struct {
	Node    string            `json:"node"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	// TimeLimitMins overrides the configured time limit of RunNodeCommand
	TimeLimitMins float64 `json:"timeLimitMins,omitempty"`
}

// RunNodeCommand runs one command for one node.
type RunNodeCommand struct {
	runner CommandRunner
	params NodeCommandParams
}

func (t *RunNodeCommand) Initialize(params json.RawMessage) error {
	if err := json.Unmarshal(params, &t.params); err != nil {
		return errors.Wrap(err, "invalid node command parameters")
	}
	if t.params.Node == "" {
		return errors.New("node is required")
	}
	if len(t.params.Command) == 0 {
		return errors.New("command is required")
	}
	return nil
}

func (t *RunNodeCommand) Run(ctx context.Context, rt *service.Runtime) error {
	rt.Logger().Debugf("Running %v on node %s", t.params.Command, t.params.Node)
	out, err := t.runner.Run(ctx, t.params.Node, t.params.Command, t.params.Env)
	if err != nil {
		return err
	}
	rt.Logger().Debugf("Node %s: %s", t.params.Node, out)
	return nil
}

type ScriptStep struct {
	Name         string          `json:"name"`
	Command      []string        `json:"command"`
	IgnoreErrors bool            `json:"ignore_errors,omitempty"`
	Category     models.Category `json:"category,omitempty"`
}

type UniverseScriptParams struct {
	UniverseID uuid.UUID `json:"universe_id"`
	// ExpectedVersion is the universe version the caller last saw and is
	// required. Only an explicit -1 skips the check.
	ExpectedVersion *int              `json:"expected_version"`
	Nodes           []string          `json:"nodes"`
	Steps           []ScriptStep      `json:"steps"`
	Env             map[string]string `json:"env,omitempty"`
	// NodeTimeLimitMins limits each node command, not the script as a whole
	NodeTimeLimitMins float64 `json:"node_time_limit_mins,omitempty"`
}

// RunUniverseScript locks a universe and runs every step on all of its nodes
// in parallel, one step after the other.
type RunUniverseScript struct {
	params UniverseScriptParams
}

func (t *RunUniverseScript) Initialize(params json.RawMessage) error {
	if err := json.Unmarshal(params, &t.params); err != nil {
		return errors.Wrap(err, "invalid universe script parameters")
	}
	if t.params.UniverseID == uuid.Nil {
		return errors.New("universe_id is required")
	}
	if t.params.ExpectedVersion == nil {
		return errors.New("expected_version is required, -1 skips the version check")
	}
	if len(t.params.Nodes) == 0 {
		return errors.New("at least one node is required")
	}
	if len(t.params.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i, step := range t.params.Steps {
		if len(step.Command) == 0 {
			return fmt.Errorf("step %d has no command", i)
		}
	}
	return nil
}

func (t *RunUniverseScript) Run(ctx context.Context, rt *service.Runtime) error {
	p := t.params
	return rt.WithUniverseLock(p.UniverseID, *p.ExpectedVersion, false, func(u models.Universe) error {
		plan := rt.NewPlan()
		for i, step := range p.Steps {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("step-%d", i)
			}
			category := step.Category
			if category == models.UnsetCategory {
				category = models.RunningScriptCategory
			}
			batch := rt.NewBatch(name, step.IgnoreErrors)
			if err := plan.Add(batch); err != nil {
				return err
			}
			if err := batch.SetCategory(category); err != nil {
				return err
			}
			for _, node := range p.Nodes {
				_, err := batch.AddTask(RunNodeCommandType, NodeCommandParams{
					Node:          node,
					Command:       step.Command,
					Env:           p.Env,
					TimeLimitMins: p.NodeTimeLimitMins,
				})
				if err != nil {
					return err
				}
			}
		}
		rt.Logger().Infof("Running %d step(s) on %d node(s) of universe %s", len(p.Steps), len(p.Nodes), u.Name)
		return plan.Run(ctx)
	})
}

type UnlockUniverseParams struct {
	UniverseID uuid.UUID `json:"universe_id"`
}

// UnlockUniverse releases a universe left locked, e.g. by a crashed process.
// It takes the lock with force and releases it, so the version is bumped.
type UnlockUniverse struct {
	params UnlockUniverseParams
}

func (t *UnlockUniverse) Initialize(params json.RawMessage) error {
	if err := json.Unmarshal(params, &t.params); err != nil {
		return errors.Wrap(err, "invalid unlock parameters")
	}
	if t.params.UniverseID == uuid.Nil {
		return errors.New("universe_id is required")
	}
	return nil
}

func (t *UnlockUniverse) Run(ctx context.Context, rt *service.Runtime) error {
	return rt.WithUniverseLock(t.params.UniverseID, models.SkipVersionCheck, true, func(u models.Universe) error {
		rt.Logger().Warnf("Force unlocking universe %s at version %d", u.Name, u.Version)
		return nil
	})
}
