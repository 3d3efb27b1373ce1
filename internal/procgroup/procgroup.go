// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup spawns transcoder processes in their own process group
// so that cancellation reaps the whole tree.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/ManuGH/mediaforge/internal/metrics"
)

// Set configures the command to start in a new process group.
// Mandatory for Terminate to reap children.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops a running command: SIGTERM to the group, wait up to
// grace for waitCh, then SIGKILL. It consumes waitCh and returns its error.
// It is safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	record("term", signalGroup(cmd.Process.Pid, false))
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	record("kill", signalGroup(cmd.Process.Pid, true))
	return <-waitCh
}

func record(signal string, err error) {
	switch {
	case err == nil:
		metrics.ProcSignals.WithLabelValues(signal, "sent").Inc()
	case errors.Is(err, os.ErrProcessDone):
		metrics.ProcSignals.WithLabelValues(signal, "gone").Inc()
	default:
		metrics.ProcSignals.WithLabelValues(signal, "error").Inc()
	}
}
