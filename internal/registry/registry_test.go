// Copyright 2025 James Ross
package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/imagegen-broker/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(store.New(rdb), "submissions_queue")
}

func TestDrainAndCreate(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.PushSubmission(ctx, Submission{ID: "a", Input: "in/a"}))
	require.NoError(t, reg.PushSubmission(ctx, Submission{ID: "b", Input: "in/b", WorkflowPath: "custom.json"}))

	sub, ok, err := reg.PopSubmission(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", sub.ID)

	job := NewFromSubmission(sub)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.NotEmpty(t, job.EnqueuedAt)
	require.NoError(t, reg.Create(ctx, job))

	got, ok, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "in/a", got.Input)
	require.Empty(t, got.WorkflowPath)

	_, ok, err = reg.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkflowPathOmittedWhenAbsent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	job := NewFromSubmission(Submission{ID: "x", Input: "in/x"})
	require.NoError(t, reg.Create(ctx, job))

	raw, err := reg.st.HashGetAll(ctx, Key("x"))
	require.NoError(t, err)
	_, present := raw["workflow_path"]
	require.False(t, present, "workflow_path must be omitted, never stored as a literal none")
}

func TestScanAll(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, NewFromSubmission(Submission{ID: "1", Input: "a"})))
	require.NoError(t, reg.Create(ctx, NewFromSubmission(Submission{ID: "2", Input: "b"})))

	jobs, err := reg.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestAvgProcessingTimeDefaultAndSeed(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	avg, err := reg.AvgProcessingTime(ctx, 80)
	require.NoError(t, err)
	require.Equal(t, 80.0, avg)

	require.NoError(t, reg.RecordDuration(ctx, 50))
	avg, err = reg.AvgProcessingTime(ctx, 80)
	require.NoError(t, err)
	require.Equal(t, 50.0, avg)

	require.NoError(t, reg.RecordDuration(ctx, 100))
	avg, err = reg.AvgProcessingTime(ctx, 80)
	require.NoError(t, err)
	require.InDelta(t, 50*0.8+100*0.2, avg, 0.0001)
}

func TestValidate(t *testing.T) {
	j := Job{ID: "a", Status: StatusDone, Attempt: 1}
	require.Error(t, Validate(j, 3), "done without output must fail")

	j.Output = "http://x/y.png"
	require.NoError(t, Validate(j, 3))

	j = Job{ID: "b", Status: StatusError, Attempt: 4, Error: "generate_error: boom"}
	require.NoError(t, Validate(j, 3))

	j = Job{ID: "c", Status: StatusError, Attempt: 1, Error: ReasonNoInputPath}
	require.NoError(t, Validate(j, 3))
}
