// Package agentcmd adapts an external, language-model-backed coding
// agent into a scheduler.AgentFunc over a subprocess boundary, the same
// os/exec idiom vcs.Git uses for the VCS binary: the agent is whatever
// executable the operator configures, invoked once per task with a JSON
// request on stdin and a JSON response expected on stdout. Nothing in
// this package talks to a model provider directly.
package agentcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/nerr"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
)

// Config names the external agent command.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration // default 10m
}

// DefaultConfig returns a Config with no command set; Runner.Func
// always fails until one is configured.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Minute}
}

// Request is the JSON document written to the agent's stdin.
type Request struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// Response is the JSON document the agent is expected to print to
// stdout: the code it plans to apply, scanned by the Safety Coordinator
// before Result is trusted, plus the execution outcome itself.
type Response struct {
	PlannedCode string                     `json:"planned_code"`
	Result      nocturnal.ExecutionResult  `json:"result"`
}

// Runner invokes the configured command once per task.
type Runner struct {
	cfg Config
}

// New constructs a Runner from cfg.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// Func adapts the Runner into the scheduler's AgentFunc contract: the
// subprocess runs synchronously here, so the returned ExecutorFunc just
// replays the already-computed result.
func (r *Runner) Func() func(ctx context.Context, task nocturnal.Task) (string, quality.ExecutorFunc) {
	return func(ctx context.Context, task nocturnal.Task) (string, quality.ExecutorFunc) {
		resp, err := r.invoke(ctx, task)
		if err != nil {
			return "", func(ctx context.Context, t nocturnal.Task) (nocturnal.ExecutionResult, error) {
				return nocturnal.ExecutionResult{}, err
			}
		}
		return resp.PlannedCode, func(ctx context.Context, t nocturnal.Task) (nocturnal.ExecutionResult, error) {
			return resp.Result, nil
		}
	}
}

func (r *Runner) invoke(ctx context.Context, task nocturnal.Task) (Response, error) {
	if r.cfg.Command == "" {
		return Response{}, nerr.New(nerr.KindValidation, "agentcmd.invoke", fmt.Errorf("no agent command configured"))
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqJSON, err := json.Marshal(Request{TaskID: task.ID, Description: task.Description, Priority: string(task.Priority)})
	if err != nil {
		return Response{}, fmt.Errorf("marshaling agent request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return Response{}, nerr.New(nerr.KindTransient, "agentcmd.invoke", runCtx.Err())
	}
	if runErr != nil {
		return Response{}, nerr.New(nerr.KindOperational, "agentcmd.invoke", fmt.Errorf("%s: %s", runErr, stderr.String()))
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Response{}, nerr.New(nerr.KindOperational, "agentcmd.invoke", fmt.Errorf("decoding agent response: %w", err))
	}
	return resp, nil
}
