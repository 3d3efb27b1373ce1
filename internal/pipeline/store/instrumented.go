// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_store_ops_total",
			Help: "Total job store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/not_found/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaforge_store_op_seconds",
			Help:    "Job store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any StateStore to capture metrics.
type instrumentedStore struct {
	inner   StateStore
	backend string
}

func NewInstrumentedStore(inner StateStore, backend string) StateStore {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	res := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		res = "not_found"
	case err != nil:
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *instrumentedStore) CreateJob(ctx context.Context, j *model.MediaJob) (err error) {
	start := time.Now()
	defer func() { i.observe("create_job", start, err) }()
	return i.inner.CreateJob(ctx, j)
}

func (i *instrumentedStore) GetJob(ctx context.Context, id string) (rec *model.MediaJob, err error) {
	start := time.Now()
	defer func() { i.observe("get_job", start, err) }()
	return i.inner.GetJob(ctx, id)
}

func (i *instrumentedStore) UpdateJob(ctx context.Context, id string, fn func(*model.MediaJob) error) (rec *model.MediaJob, err error) {
	start := time.Now()
	defer func() { i.observe("update_job", start, err) }()
	return i.inner.UpdateJob(ctx, id, fn)
}

func (i *instrumentedStore) ListJobs(ctx context.Context, filter JobFilter) (list []*model.MediaJob, err error) {
	start := time.Now()
	defer func() { i.observe("list_jobs", start, err) }()
	return i.inner.ListJobs(ctx, filter)
}

func (i *instrumentedStore) DeleteJob(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete_job", start, err) }()
	return i.inner.DeleteJob(ctx, id)
}

func (i *instrumentedStore) Ping(ctx context.Context) error { return i.inner.Ping(ctx) }

func (i *instrumentedStore) Close() error { return i.inner.Close() }
