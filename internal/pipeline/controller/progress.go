// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controller

import (
	"sync"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// Phase weights. Progress is the share of completed weight, so a slow
// remote stage and a fast local pass move the bar in proportion.
const (
	weightAcquire = 10
	weightSegment = 5
	weightLocal   = 10
	weightRemote  = 20
	weightCompose = 10
	weightUpload  = 5
)

type progress struct {
	mu    sync.Mutex
	total int
	done  int
	local int
}

func newProgress(stages []model.Stage) *progress {
	p := &progress{total: weightAcquire + weightSegment + weightCompose + weightUpload}
	for _, st := range stages {
		switch {
		case st.Kind.IsLocal():
			p.local = weightLocal
		case st.Kind.IsRemote():
			p.total += weightRemote
		}
	}
	p.total += p.local
	return p
}

// localWeight is zero when the job has no local stages.
func (p *progress) localWeight() int { return p.local }

// add credits w and returns the percentage, never above 99 until the job
// is terminal.
func (p *progress) add(w int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = min(p.done+w, p.total)
	return min(p.done*100/p.total, 99)
}
