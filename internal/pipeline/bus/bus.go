// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// TopicAll receives every event regardless of job.
const TopicAll = "*"

// JobEvent is a status or progress change of one MediaJob.
type JobEvent struct {
	JobID           string           `json:"jobId"`
	Status          model.JobStatus  `json:"status"`
	ProgressPercent int              `json:"progressPercent"`
	Stage           model.StageKind  `json:"stage,omitempty"`
	Error           *model.ErrorInfo `json:"error,omitempty"`
	AtUnix          int64            `json:"atUnix"`
}

// Terminal reports whether this event closes the job's stream.
func (e JobEvent) Terminal() bool { return e.Status.IsTerminal() }

// Bus delivers job events to in-process subscribers. Topics are job ids
// plus TopicAll.
type Bus interface {
	Publish(ctx context.Context, ev JobEvent) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

type Subscriber interface {
	C() <-chan JobEvent
	Close() error
}
