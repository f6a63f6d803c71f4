package qpkg

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRun(t *testing.T) {
	e := NewExecutor(context.Background())

	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "echo ok")
	cmd.Stdout = &out
	require.NoError(t, e.Run(cmd))
	assert.Equal(t, "ok\n", out.String())

	require.Error(t, e.Run(exec.Command("sh", "-c", "exit 3")))
}

func TestExecutorCancellationKillsChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(ctx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := e.Run(exec.Command("sh", "-c", "sleep 30"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must not wait for the child")
}
