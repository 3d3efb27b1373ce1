// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ffmpeg runs ffmpeg and ffprobe as supervised child processes.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg/watchdog"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/procgroup"
)

const stderrLines = 64

// Executor runs one media tool invocation to completion. op labels the call
// in logs and metrics.
type Executor interface {
	Run(ctx context.Context, op string, args ...string) error
}

// ExitError is returned when the tool exits non-zero.
type ExitError struct {
	Op     string
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	tail := ""
	if n := len(e.Stderr); n > 0 {
		tail = ": " + e.Stderr[n-1]
	}
	return fmt.Sprintf("%s exited with code %d%s", e.Op, e.Code, tail)
}

// Runner executes a binary in its own process group. Cancelling the context
// terminates the whole group: SIGTERM, then SIGKILL after KillGrace.
type Runner struct {
	Bin       string
	KillGrace time.Duration
	// StartTimeout and StallTimeout arm the progress watchdog for Run.
	// Zero disables the respective check.
	StartTimeout time.Duration
	StallTimeout time.Duration

	progressArgs []string
}

// NewRunner creates a runner for bin.
func NewRunner(bin string, killGrace time.Duration) *Runner {
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	return &Runner{Bin: bin, KillGrace: killGrace}
}

// WithWatchdog makes Run terminate ffmpeg when it reports no progress for
// start before the first update or stall between updates.
func (r *Runner) WithWatchdog(start, stall time.Duration) *Runner {
	r.StartTimeout = start
	r.StallTimeout = stall
	r.progressArgs = []string{"-nostats", "-progress", "pipe:1"}
	return r
}

// Run executes the binary and discards stdout.
func (r *Runner) Run(ctx context.Context, op string, args ...string) error {
	_, err := r.exec(ctx, op, false, args)
	return err
}

// Output executes the binary and returns its stdout.
func (r *Runner) Output(ctx context.Context, op string, args ...string) ([]byte, error) {
	return r.exec(ctx, op, true, args)
}

func (r *Runner) exec(ctx context.Context, op string, captureStdout bool, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	logger := log.WithComponentFromContext(ctx, "ffmpeg")

	watched := !captureStdout && (r.StartTimeout > 0 || r.StallTimeout > 0)
	if watched {
		args = append(slices.Clone(r.progressArgs), args...)
	}

	// #nosec G204 -- binary comes from operator config, args are built internally
	cmd := exec.Command(r.Bin, args...)
	procgroup.Set(cmd)
	ring := NewLineRing(stderrLines)
	cmd.Stderr = ring
	var stdout bytes.Buffer
	if captureStdout {
		cmd.Stdout = &stdout
	}
	var progress *io.PipeWriter
	var wd *watchdog.Watchdog
	if watched {
		var pr *io.PipeReader
		pr, progress = io.Pipe()
		cmd.Stdout = progress
		wd = watchdog.New(r.StartTimeout, r.StallTimeout)
		go func() {
			sc := bufio.NewScanner(pr)
			for sc.Scan() {
				wd.ParseLine(sc.Text())
			}
			_, _ = io.Copy(io.Discard, pr)
		}()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if progress != nil {
			_ = progress.Close()
		}
		metrics.EngineDuration.WithLabelValues(op, "start_error").Observe(0)
		return nil, fmt.Errorf("%s: start %s: %w", op, r.Bin, err)
	}
	logger.Debug().
		Str("event", "ffmpeg.start").
		Str("op", op).
		Int("pid", cmd.Process.Pid).
		Strs("args", args).
		Msg("process started")

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if progress != nil {
			_ = progress.Close()
		}
		waitCh <- err
	}()

	var stallCh chan error
	if wd != nil {
		wdCtx, stopWatchdog := context.WithCancel(ctx)
		defer stopWatchdog()
		stallCh = make(chan error, 1)
		go func() { stallCh <- wd.Run(wdCtx) }()
	}

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-ctx.Done():
			_ = procgroup.Terminate(cmd, waitCh, r.KillGrace)
			metrics.EngineDuration.WithLabelValues(op, "cancelled").Observe(time.Since(start).Seconds())
			logger.Info().
				Str("event", "ffmpeg.cancelled").
				Str("op", op).
				Dur(log.FieldDuration, time.Since(start)).
				Msg("process terminated by cancellation")
			return nil, context.Cause(ctx)
		case err := <-stallCh:
			stallCh = nil
			if err == nil {
				continue
			}
			_ = procgroup.Terminate(cmd, waitCh, r.KillGrace)
			metrics.EngineDuration.WithLabelValues(op, "stalled").Observe(time.Since(start).Seconds())
			logger.Warn().
				Err(err).
				Str("event", "ffmpeg.stalled").
				Str("op", op).
				Strs("stderr", ring.LastN(5)).
				Msg("process terminated by watchdog")
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	elapsed := time.Since(start)
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		stderr := ring.LastN(20)
		metrics.EngineDuration.WithLabelValues(op, "error").Observe(elapsed.Seconds())
		logger.Warn().
			Str("event", "ffmpeg.failed").
			Str("op", op).
			Int("exit_code", code).
			Strs("stderr", stderr).
			Msg("process failed")
		return nil, &ExitError{Op: op, Code: code, Stderr: stderr}
	}

	metrics.EngineDuration.WithLabelValues(op, "ok").Observe(elapsed.Seconds())
	logger.Debug().
		Str("event", "ffmpeg.done").
		Str("op", op).
		Dur(log.FieldDuration, elapsed).
		Msg("process finished")
	return stdout.Bytes(), nil
}

// Version returns the first line of `bin -version`, used by health checks.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.Output(ctx, "version", "-version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}
