// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fsm

import (
	"context"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// JobEvent drives the MediaJob lifecycle.
type JobEvent string

const (
	EventStart      JobEvent = "start"
	EventAcquired   JobEvent = "acquired"
	EventSegmented  JobEvent = "segmented"
	EventLocalDone  JobEvent = "local_done"
	EventRemoteDone JobEvent = "remote_done"
	EventComposed   JobEvent = "composed"
	EventUploaded   JobEvent = "uploaded"
	// EventDegraded ends the run with the best available artifact.
	EventDegraded JobEvent = "degraded"
	// EventFail ends the run without an artifact.
	EventFail JobEvent = "fail"
)

// forward is the strictly ordered happy path.
var forward = []model.JobStatus{
	model.JobCreated,
	model.JobAcquiring,
	model.JobSegmenting,
	model.JobLocalProcessing,
	model.JobRemotePending,
	model.JobComposing,
	model.JobUploading,
	model.JobCompleted,
}

var forwardEvents = []JobEvent{
	EventStart, EventAcquired, EventSegmented, EventLocalDone,
	EventRemoteDone, EventComposed, EventUploaded,
}

// degradable are the states from which a partial artifact can exist.
var degradable = []model.JobStatus{
	model.JobSegmenting,
	model.JobLocalProcessing,
	model.JobRemotePending,
	model.JobComposing,
	model.JobUploading,
}

// JobTransitions returns the MediaJob transition table. action, if non-nil,
// is attached to every edge.
func JobTransitions(action func(ctx context.Context, from, to model.JobStatus, ev JobEvent) error) []Transition[model.JobStatus, JobEvent] {
	var ts []Transition[model.JobStatus, JobEvent]
	for i, ev := range forwardEvents {
		ts = append(ts, Transition[model.JobStatus, JobEvent]{From: forward[i], Event: ev, To: forward[i+1], Action: action})
	}
	for _, s := range degradable {
		ts = append(ts, Transition[model.JobStatus, JobEvent]{From: s, Event: EventDegraded, To: model.JobPartiallyCompleted, Action: action})
	}
	for _, s := range forward[:len(forward)-1] {
		ts = append(ts, Transition[model.JobStatus, JobEvent]{From: s, Event: EventFail, To: model.JobFailed, Action: action})
	}
	return ts
}

// jobTable is the action-free table shared by Next.
var jobTable = mustTable(JobTransitions(nil))

func mustTable(ts []Transition[model.JobStatus, JobEvent]) *Table[model.JobStatus, JobEvent] {
	t, err := NewTable(ts)
	if err != nil {
		panic(err)
	}
	return t
}

// NewJobMachine builds a lifecycle machine starting at initial.
func NewJobMachine(initial model.JobStatus, action func(ctx context.Context, from, to model.JobStatus, ev JobEvent) error) *Machine[model.JobStatus, JobEvent] {
	if action == nil {
		return &Machine[model.JobStatus, JobEvent]{table: jobTable, state: initial}
	}
	return &Machine[model.JobStatus, JobEvent]{table: mustTable(JobTransitions(action)), state: initial}
}

// Next resolves the target of ev from s without a machine instance.
func Next(s model.JobStatus, ev JobEvent) (model.JobStatus, bool) {
	t, ok := jobTable.Lookup(s, ev)
	if !ok {
		return s, false
	}
	return t.To, true
}
