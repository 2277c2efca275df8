// Copyright 2025 James Ross

// Package admin provides CLI introspection into the dispatch broker: job
// counts by status, peeking the oldest queued jobs, purging terminal-error
// records, and a synthetic-load bench, mirroring the shape of the
// teacher's internal/admin CLI commands (stats/peek/purge/bench) adapted
// to this system's job registry instead of a generic priority queue.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jamesross/imagegen-broker/internal/registry"
)

// StatsResult summarizes the current registry state for CLI display.
type StatsResult struct {
	ByStatus                 map[string]int64 `json:"by_status"`
	SubmissionQueueLength    int64            `json:"submission_queue_length"`
	AvgProcessingTimeSeconds float64          `json:"avg_processing_time_seconds"`
}

// Stats reports per-status job counts, submission queue depth, and the
// current moving-average processing time.
func Stats(ctx context.Context, reg *registry.Registry, defaultAvgSeconds float64) (StatsResult, error) {
	res := StatsResult{ByStatus: map[string]int64{}}

	jobs, err := reg.ScanAll(ctx)
	if err != nil {
		return res, fmt.Errorf("scan registry: %w", err)
	}
	for _, j := range jobs {
		res.ByStatus[string(j.Status)]++
	}

	qlen, err := reg.SubmissionQueueLen(ctx)
	if err != nil {
		return res, fmt.Errorf("submission queue length: %w", err)
	}
	res.SubmissionQueueLength = qlen

	avg, err := reg.AvgProcessingTime(ctx, defaultAvgSeconds)
	if err != nil {
		return res, fmt.Errorf("avg processing time: %w", err)
	}
	res.AvgProcessingTimeSeconds = avg

	return res, nil
}

// Peek returns the n oldest queued jobs, FIFO order, for operator
// inspection without disturbing the dispatch loop's own view.
func Peek(ctx context.Context, reg *registry.Registry, n int) ([]registry.Job, error) {
	jobs, err := reg.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan registry: %w", err)
	}

	var queued []registry.Job
	for _, j := range jobs {
		if j.Status == registry.StatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool {
		if queued[i].EnqueuedAt != queued[k].EnqueuedAt {
			return queued[i].EnqueuedAt < queued[k].EnqueuedAt
		}
		return queued[i].ID < queued[k].ID
	})
	if n < len(queued) {
		queued = queued[:n]
	}
	return queued, nil
}

// PurgeErrorResult reports how many terminal-error jobs were removed.
type PurgeErrorResult struct {
	Purged int `json:"purged"`
}

// PurgeError deletes every job currently in the terminal error state. It
// refuses to run unless confirm is true, mirroring the teacher's --yes
// guard on destructive admin commands.
func PurgeError(ctx context.Context, reg *registry.Registry, confirm bool) (PurgeErrorResult, error) {
	if !confirm {
		return PurgeErrorResult{}, fmt.Errorf("refusing to purge without confirmation")
	}
	jobs, err := reg.ScanAll(ctx)
	if err != nil {
		return PurgeErrorResult{}, fmt.Errorf("scan registry: %w", err)
	}
	purged := 0
	for _, j := range jobs {
		if j.Status != registry.StatusError {
			continue
		}
		if err := reg.Delete(ctx, j.ID); err != nil {
			return PurgeErrorResult{Purged: purged}, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		purged++
	}
	return PurgeErrorResult{Purged: purged}, nil
}

// BenchResult reports the outcome of a synthetic submission load test.
type BenchResult struct {
	Submitted int           `json:"submitted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Bench pushes count synthetic submissions onto the submission queue at
// roughly ratePerSec, each with a placeholder input key of "bench/" followed
// by payloadSize zero bytes hex-encoded (2*payloadSize characters), for
// exercising the dispatch loop's drain/activation path under load.
func Bench(ctx context.Context, reg *registry.Registry, count, ratePerSec, payloadSize int) (BenchResult, error) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	interval := time.Second / time.Duration(ratePerSec)
	start := time.Now()

	for i := 0; i < count; i++ {
		sub := registry.Submission{
			ID:    uuid.NewString(),
			Input: fmt.Sprintf("bench/%x", make([]byte, payloadSize)),
		}
		if err := reg.PushSubmission(ctx, sub); err != nil {
			return BenchResult{Submitted: i, Elapsed: time.Since(start)}, fmt.Errorf("push submission %d: %w", i, err)
		}
		if i < count-1 {
			select {
			case <-ctx.Done():
				return BenchResult{Submitted: i + 1, Elapsed: time.Since(start)}, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return BenchResult{Submitted: count, Elapsed: time.Since(start)}, nil
}
