package cmd

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	interrupted.Store(false)

	require.Equal(t, 0, exitCode(nil))
	require.Equal(t, 1, exitCode(errors.New("boom")))
	require.Equal(t, 2, exitCode(configError{errors.New("bad config")}))

	// a signal-driven shutdown that otherwise ran clean exits 130
	interrupted.Store(true)
	defer interrupted.Store(false)
	require.Equal(t, exitCodeInterrupt, exitCode(nil))
	// a real failure still wins over the interrupt status
	require.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestTrapSignalMarksInterrupt(t *testing.T) {
	interrupted.Store(false)
	defer interrupted.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	trapSignal(cancel, zerolog.Nop())

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel the context")
	}
	require.True(t, interrupted.Load())
}
