// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package watchdog detects ffmpeg runs that stop making progress. It reads
// the key=value stream ffmpeg writes with -progress.
package watchdog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
)

var (
	// ErrNoStart means no progress was reported within the start timeout.
	ErrNoStart = errors.New("ffmpeg reported no progress")
	// ErrStalled means progress stopped for longer than the stall timeout.
	ErrStalled = errors.New("ffmpeg progress stalled")
)

type State int

const (
	StateStarting State = iota
	StateRunning
	StateStalled
	StateTimedOut
	StateCompleted
)

type clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NewTicker(d time.Duration) ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct {
	*time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }

// Watchdog tracks the last time output time or output size advanced.
type Watchdog struct {
	mu sync.Mutex

	startTimeout time.Duration
	stallTimeout time.Duration
	tick         time.Duration

	lastOutTimeUs int64
	lastTotalSize int64
	lastHeartbeat time.Time
	state         State

	done  chan struct{}
	once  sync.Once
	clock clock
}

// New creates a watchdog. startTimeout bounds the wait for the first
// progress, stallTimeout every later gap.
func New(startTimeout, stallTimeout time.Duration) *Watchdog {
	tick := time.Second
	if stallTimeout > 0 && stallTimeout < 4*tick {
		tick = stallTimeout / 4
	}
	return &Watchdog{
		startTimeout: startTimeout,
		stallTimeout: stallTimeout,
		tick:         tick,
		done:         make(chan struct{}),
		clock:        realClock{},
	}
}

// Run blocks until ctx ends, ffmpeg reports progress=end, or a timeout
// fires. Only a timeout returns an error.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	w.lastHeartbeat = w.clock.Now()
	w.mu.Unlock()

	t := w.clock.NewTicker(w.tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-t.C():
			if err := w.check(); err != nil {
				return err
			}
		}
	}
}

// ParseLine consumes one line of -progress output.
func (w *Watchdog) ParseLine(line string) {
	key, val, ok := strings.Cut(line, "=")
	if !ok || strings.Contains(val, "=") {
		return
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch key {
	// out_time_ms carries microseconds despite its name; out_time_us is the
	// newer spelling of the same value.
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(val, 10, 64)
		if err == nil && us > w.lastOutTimeUs {
			w.lastOutTimeUs = us
			w.heartbeat()
		}
	case "total_size":
		size, err := strconv.ParseInt(val, 10, 64)
		if err == nil && size > w.lastTotalSize {
			w.lastTotalSize = size
			w.heartbeat()
		}
	case "progress":
		if val == "end" {
			w.state = StateCompleted
			w.once.Do(func() { close(w.done) })
		}
	}
}

func (w *Watchdog) heartbeat() {
	w.lastHeartbeat = w.clock.Now()
	if w.state == StateStarting {
		w.state = StateRunning
		log.L().Debug().Msg("watchdog: progress detected")
	}
}

func (w *Watchdog) check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := w.clock.Now().Sub(w.lastHeartbeat)
	switch w.state {
	case StateStarting:
		if w.startTimeout > 0 && elapsed > w.startTimeout {
			w.state = StateTimedOut
			return ErrNoStart
		}
	case StateRunning:
		if w.stallTimeout > 0 && elapsed > w.stallTimeout {
			w.state = StateStalled
			return ErrStalled
		}
	}
	return nil
}

// State returns the current watchdog state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
