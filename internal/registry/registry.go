// Copyright 2025 James Ross
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jamesross/imagegen-broker/internal/store"
)

const avgProcessingTimeKey = "avg_processing_time"

// Registry is the store-backed job registry: create/read/write one job
// hash at a time, scan the full job:* keyspace, and manage the submission
// queue and the moving-average processing-time counter.
type Registry struct {
	st                 *store.Store
	submissionQueueKey string
}

func New(st *store.Store, submissionQueueKey string) *Registry {
	return &Registry{st: st, submissionQueueKey: submissionQueueKey}
}

// PushSubmission pushes a submission record onto the submission queue.
func (r *Registry) PushSubmission(ctx context.Context, sub Submission) error {
	b, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	return r.st.ListPushLeft(ctx, r.submissionQueueKey, string(b))
}

// PopSubmission pops the next submission record, returning ok=false when the
// queue is empty.
func (r *Registry) PopSubmission(ctx context.Context) (Submission, bool, error) {
	raw, err := r.st.ListPopRight(ctx, r.submissionQueueKey)
	if err != nil {
		if store.IsNil(err) {
			return Submission{}, false, nil
		}
		return Submission{}, false, err
	}
	var sub Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Submission{}, false, fmt.Errorf("unmarshal submission: %w", err)
	}
	return sub, true, nil
}

// SubmissionQueueLen returns the current submission queue length, used for
// the position_in_queue/estimated_wait_seconds HTTP response fields.
func (r *Registry) SubmissionQueueLen(ctx context.Context) (int64, error) {
	return r.st.ListLen(ctx, r.submissionQueueKey)
}

// Create writes a brand-new job hash. Used both by drain_submission_queue
// and directly by the HTTP upload handler, which creates the job before the
// dispatch loop ever sees the submission queue entry.
func (r *Registry) Create(ctx context.Context, j Job) error {
	return r.st.HashSet(ctx, Key(j.ID), j.ToFields()...)
}

// Save overwrites a job's fields. Same shape as Create; kept as a distinct
// name because callers read better as "save" once mutating an existing job.
func (r *Registry) Save(ctx context.Context, j Job) error {
	return r.st.HashSet(ctx, Key(j.ID), j.ToFields()...)
}

// Get loads one job by request id, returning ok=false if no such hash exists.
func (r *Registry) Get(ctx context.Context, requestID string) (Job, bool, error) {
	m, err := r.st.HashGetAll(ctx, Key(requestID))
	if err != nil {
		return Job{}, false, err
	}
	if len(m) == 0 {
		return Job{}, false, nil
	}
	return FromHash(requestID, m), true, nil
}

// SetFields writes only the given fields on an existing job hash, used for
// targeted updates (progress fields, phone) that should not clobber the
// rest of the record.
func (r *Registry) SetFields(ctx context.Context, requestID string, fields ...interface{}) error {
	return r.st.HashSet(ctx, Key(requestID), fields...)
}

// Delete removes a job hash entirely, used by administrative purges of
// terminal-error records (spec.md §7 "Terminal states are never mutated
// except by external administrative action").
func (r *Registry) Delete(ctx context.Context, requestID string) error {
	return r.st.Delete(ctx, Key(requestID))
}

// ScanAll returns every job currently in the registry. Used once per
// dispatch tick by reconcile_registry; callers should expect this to be
// O(number of jobs) and not call it more often than the tick interval.
func (r *Registry) ScanAll(ctx context.Context) ([]Job, error) {
	keys, err := r.st.ScanByPrefix(ctx, "job:")
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(keys))
	for _, k := range keys {
		id := k[len("job:"):]
		m, err := r.st.HashGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		jobs = append(jobs, FromHash(id, m))
	}
	return jobs, nil
}

// AvgProcessingTime returns the stored moving average, or defaultSeconds if
// no value has ever been written. Once written, the stored value is
// authoritative and the default is never consulted again.
func (r *Registry) AvgProcessingTime(ctx context.Context, defaultSeconds float64) (float64, error) {
	v, err := r.st.StringGet(ctx, avgProcessingTimeKey)
	if err != nil {
		if store.IsNil(err) {
			return defaultSeconds, nil
		}
		return 0, err
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return defaultSeconds, nil
	}
	return f, nil
}

// RecordDuration folds one observed generation duration into the moving
// average with alpha=0.2, seeding the counter with the duration itself on
// the first completion.
func (r *Registry) RecordDuration(ctx context.Context, seconds float64) error {
	prev, err := r.st.StringGet(ctx, avgProcessingTimeKey)
	var next float64
	if err != nil {
		if !store.IsNil(err) {
			return err
		}
		next = seconds
	} else {
		var prevF float64
		if _, serr := fmt.Sscanf(prev, "%g", &prevF); serr != nil {
			next = seconds
		} else {
			next = prevF*0.8 + seconds*0.2
		}
	}
	return r.st.StringSet(ctx, avgProcessingTimeKey, fmt.Sprintf("%.6f", next), 0)
}
