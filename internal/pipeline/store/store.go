// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"slices"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

var (
	// ErrNotFound matches model.ErrNotFound so HTTP surfaces map it to 404.
	ErrNotFound = model.ErrNotFound
	ErrExists   = errors.New("job already exists")
)

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	UserID      string
	Statuses    []model.JobStatus
	Settlements []model.SettlementState
	Limit       int
}

func (f JobFilter) match(j *model.MediaJob) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if len(f.Settlements) > 0 && !slices.Contains(f.Settlements, j.Settlement) {
		return false
	}
	return true
}

// NonTerminal lists the statuses a crashed process may leave behind.
var NonTerminal = []model.JobStatus{
	model.JobCreated, model.JobAcquiring, model.JobSegmenting, model.JobLocalProcessing,
	model.JobRemotePending, model.JobComposing, model.JobUploading,
}

// StateStore is the system of record for MediaJobs.
//
// UpdateJob is the only mutation path after creation: fn receives a private
// copy and the result is written atomically. Returned records are copies.
type StateStore interface {
	CreateJob(ctx context.Context, j *model.MediaJob) error
	GetJob(ctx context.Context, id string) (*model.MediaJob, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.MediaJob) error) (*model.MediaJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.MediaJob, error)
	DeleteJob(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// sortJobs orders by creation time, newest last, and applies the limit.
func sortJobs(out []*model.MediaJob, limit int) []*model.MediaJob {
	slices.SortFunc(out, func(a, b *model.MediaJob) int {
		if a.CreatedAtUnix != b.CreatedAtUnix {
			if a.CreatedAtUnix < b.CreatedAtUnix {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
