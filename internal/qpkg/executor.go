package qpkg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs external commands on behalf of the orchestrator. It isolates
// each child in its own process group so that cancelling the run context
// (Ctrl-C) tears down the whole build tool tree, not just the shell.
type Executor struct {
	Context context.Context
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run starts cmd and waits for it. Stdio defaults to the parent's when the
// caller left it unset. A non-zero exit or a spawn failure is returned as-is;
// callers treat both as fatal.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if err := cmd.Wait(); err != nil {
		if e.Context.Err() != nil {
			// Give the kill a moment to flush the child's output.
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return err
	}
	return nil
}
