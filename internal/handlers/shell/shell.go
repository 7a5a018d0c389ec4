package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// maxOutput bounds how much combined output is kept in an error message.
const maxOutput = 4096

// Shell runs the command named in a task payload.
type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (c Cmd) validate() error {
	if c.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if err := c.validate(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	logger := zerolog.Ctx(ctx)
	if err != nil {
		if len(out) > maxOutput {
			out = out[len(out)-maxOutput:]
		}
		return fmt.Errorf("%s: %w; output: %s", c.Command, err, out)
	}
	logger.Debug().Str("command", c.Command).Dur("took", time.Since(start)).Int("output_bytes", len(out)).Msg("shell command finished")
	return nil
}
