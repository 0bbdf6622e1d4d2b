package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes a command on behalf of a node and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, node string, argv []string, env map[string]string) ([]byte, error)
}

// LocalRunner runs commands on the control plane host. The node name is
// exported as NODE_NAME so scripts can address the node themselves.
type LocalRunner struct {
	// WaitDelay bounds how long output pipes are drained after the process is
	// killed, e.g. when a shell leaves children behind.
	WaitDelay time.Duration
}

func (r LocalRunner) Run(ctx context.Context, node string, argv []string, env map[string]string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command for node %s", node)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "NODE_NAME="+node)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		output := strings.TrimSpace(string(out))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%w: %s", ctxErr, output)
		}
		if output == "" {
			return out, err
		}
		return out, fmt.Errorf("%v: %s", err, output)
	}
	return out, nil
}
