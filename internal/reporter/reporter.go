// Copyright 2025 James Ross

// Package reporter emits a periodic scheduler-health snapshot — queue
// depth, per-status job counts, and the moving average processing time —
// independent of the 500ms dispatch tick, on a cron schedule. Grounded on
// the teacher's calendar-view cron-expression handling, wired fresh since
// the teacher's own scheduler has no periodic reporting of its own.
package reporter

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/registry"
)

// Reporter logs a scheduler snapshot on a cron schedule.
type Reporter struct {
	reg        *registry.Registry
	log        *zap.Logger
	schedule   string
	defaultAvg float64
	cron       *cron.Cron
}

// New builds a Reporter. schedule is a standard 5-field or @every cron
// expression (see github.com/robfig/cron/v3).
func New(reg *registry.Registry, log *zap.Logger, schedule string, defaultAvgSeconds float64) *Reporter {
	return &Reporter{reg: reg, log: log, schedule: schedule, defaultAvg: defaultAvgSeconds}
}

// Start schedules the snapshot job and returns once registration succeeds;
// the cron scheduler itself runs in the background until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() { r.snapshot(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

func (r *Reporter) snapshot(ctx context.Context) {
	jobs, err := r.reg.ScanAll(ctx)
	if err != nil {
		r.log.Warn("reporter snapshot: registry scan failed", obs.Err(err))
		return
	}

	counts := map[registry.Status]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}

	queueLen, err := r.reg.SubmissionQueueLen(ctx)
	if err != nil {
		r.log.Warn("reporter snapshot: queue length failed", obs.Err(err))
	}

	avg, err := r.reg.AvgProcessingTime(ctx, r.defaultAvg)
	if err != nil {
		r.log.Warn("reporter snapshot: avg processing time failed", obs.Err(err))
	}

	r.log.Info("scheduler snapshot",
		obs.Int("queued", counts[registry.StatusQueued]),
		obs.Int("processing", counts[registry.StatusProcessing]),
		obs.Int("done", counts[registry.StatusDone]),
		obs.Int("failed", counts[registry.StatusFailed]),
		obs.Int("error", counts[registry.StatusError]),
		obs.Int("submission_queue_length", int(queueLen)),
		obs.Float64("avg_processing_time_seconds", avg),
	)
}
