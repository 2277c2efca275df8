// Copyright 2025 James Ross
package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/registry"
	"github.com/jamesross/imagegen-broker/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSink(t *testing.T) (*Sink, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(store.New(rdb), "submissions_queue")
	log, err := obs.NewLogger("error")
	require.NoError(t, err)
	return NewSink(reg, log), reg
}

func TestSinkHandleStarted(t *testing.T) {
	ctx := context.Background()
	sink, reg := newTestSink(t)

	require.NoError(t, reg.Create(ctx, registry.NewFromSubmission(registry.Submission{ID: "job-1", Input: "in/1"})))

	sink.Handle(ctx, ProgressEvent{Kind: KindStarted, RequestID: "job-1"})

	job, ok, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, job.Percent)
	require.Equal(t, 0, job.Step)
}

func TestSinkHandleTick(t *testing.T) {
	ctx := context.Background()
	sink, reg := newTestSink(t)
	require.NoError(t, reg.Create(ctx, registry.NewFromSubmission(registry.Submission{ID: "job-2", Input: "in/2"})))

	sink.Handle(ctx, ProgressEvent{Kind: KindTick, RequestID: "job-2", Percent: 40, Step: 8, Max: 20, Node: "3"})

	job, ok, err := reg.Get(ctx, "job-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 40, job.Percent)
	require.Equal(t, 8, job.Step)
	require.Equal(t, 20, job.Max)
	require.Equal(t, "3", job.Node)
}

func TestSinkHandleQueueDepth(t *testing.T) {
	ctx := context.Background()
	sink, reg := newTestSink(t)
	require.NoError(t, reg.Create(ctx, registry.NewFromSubmission(registry.Submission{ID: "job-3", Input: "in/3"})))

	sink.Handle(ctx, ProgressEvent{Kind: KindQueueDepth, RequestID: "job-3", QueueRemaining: 2})

	job, ok, err := reg.Get(ctx, "job-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, job.QueueRemaining)
}

func TestSinkHandleCompleted(t *testing.T) {
	ctx := context.Background()
	sink, reg := newTestSink(t)
	require.NoError(t, reg.Create(ctx, registry.NewFromSubmission(registry.Submission{ID: "job-4", Input: "in/4"})))

	sink.Handle(ctx, ProgressEvent{Kind: KindCompleted, RequestID: "job-4"})

	job, ok, err := reg.Get(ctx, "job-4")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 100, job.Percent)
}

func TestSinkHandleIgnoresMissingRequestID(t *testing.T) {
	ctx := context.Background()
	sink, _ := newTestSink(t)
	// Must not panic when RequestID is empty.
	sink.Handle(ctx, ProgressEvent{Kind: KindTick})
}

type fakeSubscriber struct {
	handler func(ProgressEvent)
}

func (f *fakeSubscriber) Subscribe(handler func(ProgressEvent)) (func() error, error) {
	f.handler = handler
	return func() error { return nil }, nil
}

func TestSinkRunStopsOnContextCancel(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubscriber{}

	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, sub) }()

	cancel()
	err := <-done
	require.NoError(t, err)
}
