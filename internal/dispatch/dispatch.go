// Copyright 2025 James Ross

// Package dispatch is the scheduler proper: it drains the submission
// queue, scans the job registry, applies retry/watchdog rules, and binds
// the oldest queued job to a free backend server (spec.md §4.4). It is the
// sole owner of the in-memory queuedJobs/serversInUse state; per-job tasks
// spawned by activation never touch either.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesross/imagegen-broker/internal/backend"
	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/jamesross/imagegen-broker/internal/fleet"
	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/objectstore"
	"github.com/jamesross/imagegen-broker/internal/registry"
	"github.com/jamesross/imagegen-broker/internal/relay"
	"github.com/jamesross/imagegen-broker/internal/smsgateway"
	"github.com/jamesross/imagegen-broker/internal/workflow"
)

// Backends narrows backend.Client to what a per-job task needs to drive
// generation, so tests can substitute a fake.
type Backends interface {
	Get(addr string) (Generator, bool)
}

// Generator is the subset of backend.Client used inside run_job.
type Generator interface {
	Generate(ctx context.Context, requestID string, input []byte, recipe workflow.Recipe, publish func(relay.ProgressEvent)) ([]byte, error)
}

// backendMap adapts a plain map[string]*backend.Client to Backends.
type backendMap map[string]*backend.Client

func (m backendMap) Get(addr string) (Generator, bool) {
	c, ok := m[addr]
	return c, ok
}

// Loop is the dispatch scheduler: one cooperative control loop owning the
// lifecycle of every job from submission queue to terminal state.
type Loop struct {
	reg       *registry.Registry
	fleetView *fleet.View
	backends  Backends
	objStore  objectstore.Store
	workflows *workflow.Loader
	publisher relay.Publisher
	sms       *smsgateway.Client
	cfg       *config.Config
	log       *zap.Logger

	// queuedJobs and servers-in-use (computed fresh each tick) are owned
	// exclusively by the dispatch loop goroutine; run_job tasks never read
	// or write them (spec.md §5).
	queuedJobs map[string]registry.Job
}

// New builds a dispatch Loop. backends maps backend address to client.
func New(reg *registry.Registry, fleetView *fleet.View, backends map[string]*backend.Client, objStore objectstore.Store, workflows *workflow.Loader, publisher relay.Publisher, sms *smsgateway.Client, cfg *config.Config, log *zap.Logger) *Loop {
	return &Loop{
		reg:        reg,
		fleetView:  fleetView,
		backends:   backendMap(backends),
		objStore:   objStore,
		workflows:  workflows,
		publisher:  publisher,
		sms:        sms,
		cfg:        cfg,
		log:        log,
		queuedJobs: map[string]registry.Job{},
	}
}

// Run ticks the scheduler forever until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Dispatch.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one drain -> reconcile -> activate cycle. Exported so tests can
// drive individual ticks deterministically without a ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.drainSubmissionQueue(ctx)
	serversInUse := l.reconcileRegistry(ctx)
	l.activateOldestEligible(ctx, serversInUse)
}

// drainSubmissionQueue pops every pending submission and promotes it into a
// fresh queued Job. Does not block waiting for new items (spec.md §4.4.1).
func (l *Loop) drainSubmissionQueue(ctx context.Context) {
	for {
		sub, ok, err := l.reg.PopSubmission(ctx)
		if err != nil {
			l.log.Warn("submission queue pop failed, abandoning drain for this tick", obs.Err(err))
			return
		}
		if !ok {
			return
		}
		job := registry.NewFromSubmission(sub)
		if err := l.reg.Create(ctx, job); err != nil {
			l.log.Error("failed to create job from submission", obs.String("request_id", sub.ID), obs.Err(err))
			continue
		}
		obs.JobsSubmitted.Inc()
	}
}

// reconcileRegistry scans every job:* key, adds each queued job to the
// in-memory queued set (entries leave it only through activation), applies the retry/watchdog state machine, and returns the set of
// servers currently bound to a processing job this tick.
func (l *Loop) reconcileRegistry(ctx context.Context) map[string]bool {
	serversInUse := map[string]bool{}

	jobs, err := l.reg.ScanAll(ctx)
	if err != nil {
		l.log.Warn("registry scan failed, abandoning reconcile for this tick", obs.Err(err))
		return serversInUse
	}

	for _, j := range jobs {
		switch j.Status {
		case registry.StatusQueued:
			l.queuedJobs[j.ID] = j

		case registry.StatusFailed:
			next := j.Attempt + 1
			if next <= l.cfg.Dispatch.MaxAttempts {
				if err := l.reg.SetFields(ctx, j.ID, "status", string(registry.StatusQueued), "attempt", fmt.Sprintf("%d", next)); err != nil {
					l.log.Warn("failed to requeue failed job", obs.String("request_id", j.ID), obs.Err(err))
					continue
				}
				obs.JobsRetried.Inc()
			} else {
				if err := l.reg.SetFields(ctx, j.ID, "status", string(registry.StatusError)); err != nil {
					l.log.Warn("failed to error-out exhausted job", obs.String("request_id", j.ID), obs.Err(err))
					continue
				}
				obs.JobsErrored.Inc()
			}

		case registry.StatusProcessing:
			if j.Server != "" {
				serversInUse[j.Server] = true
			}
			if j.ProcStartAt != "" {
				started, err := time.Parse(time.RFC3339Nano, j.ProcStartAt)
				if err == nil && time.Since(started) > l.cfg.Dispatch.ProcessingTimeout {
					if err := l.reg.SetFields(ctx, j.ID, "status", string(registry.StatusFailed), "error", registry.ReasonWatchdogTimeout); err != nil {
						l.log.Warn("watchdog reap failed", obs.String("request_id", j.ID), obs.Err(err))
						continue
					}
					obs.JobsWatchdogReaped.Inc()
				}
			}
		}
	}

	return serversInUse
}

// activateOldestEligible binds the oldest queued job to each currently
// idle, not-in-use server, spawning a concurrent run_job task per bind
// (spec.md §4.4.3).
func (l *Loop) activateOldestEligible(ctx context.Context, serversInUse map[string]bool) {
	idle, err := l.fleetView.IdleServers(ctx)
	if err != nil {
		l.log.Warn("fleet probe failed, skipping activation this tick", obs.Err(err))
		return
	}

	for _, server := range idle {
		if serversInUse[server] {
			continue
		}
		job, ok := l.popOldest()
		if !ok {
			return
		}
		if job.Input == "" {
			if err := l.reg.SetFields(ctx, job.ID, "status", string(registry.StatusError), "error", registry.ReasonNoInputPath); err != nil {
				l.log.Warn("failed to mark invalid-input job as error", obs.String("request_id", job.ID), obs.Err(err))
			}
			continue
		}

		serversInUse[server] = true
		obs.JobsActivated.Inc()
		go l.runJob(context.Background(), server, job)
	}
}

// popOldest removes and returns the queued job with the lexicographically
// (= chronologically) smallest enqueued_at, breaking ties on request id.
func (l *Loop) popOldest() (registry.Job, bool) {
	if len(l.queuedJobs) == 0 {
		return registry.Job{}, false
	}
	ids := make([]string, 0, len(l.queuedJobs))
	for id := range l.queuedJobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := l.queuedJobs[ids[i]], l.queuedJobs[ids[j]]
		if a.EnqueuedAt != b.EnqueuedAt {
			return a.EnqueuedAt < b.EnqueuedAt
		}
		return a.ID < b.ID
	})
	best := l.queuedJobs[ids[0]]
	delete(l.queuedJobs, ids[0])
	return best, true
}

// runJob drives one job's attempt on server end to end: download input,
// generate, upload output, notify. Every exception along the way is caught
// and recorded as status=failed, never left to crash the loop (spec.md
// §4.4.4, §7).
func (l *Loop) runJob(ctx context.Context, server string, job registry.Job) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("run_job panic recovered", obs.String("request_id", job.ID), obs.String("panic", fmt.Sprintf("%v", r)))
			_ = l.reg.SetFields(ctx, job.ID, "status", string(registry.StatusFailed), "error", fmt.Sprintf("panic: %v", r))
			obs.JobsFailed.Inc()
		}
	}()

	start := time.Now()
	if err := l.reg.SetFields(ctx, job.ID,
		"status", string(registry.StatusProcessing),
		"server", server,
		"proc_start_at", registry.NowUTC(),
		"percent", "0", "step", "0", "max", "0", "node", "", "queue_remaining", "-1",
	); err != nil {
		l.log.Error("failed to mark job processing", obs.String("request_id", job.ID), obs.Err(err))
		return
	}

	input, err := l.objStore.Download(ctx, job.Input)
	if err != nil {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonDownloadFailedPrefix, err))
		return
	}

	recipe, err := l.workflows.Load(job.WorkflowPath)
	if err != nil {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonGenerateErrorPrefix, err))
		return
	}
	mutated, err := workflow.Mutate(recipe, workflow.Mutation{
		ImageNodeID:   l.cfg.Workflow.NodeIDImageLoad,
		SamplerNodeID: l.cfg.Workflow.NodeIDSampler,
		TextNodeID:    l.cfg.Workflow.NodeIDTextInput,
		InputImage:    job.Input,
		Seed:          randomSeed(),
	})
	if err != nil {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonGenerateErrorPrefix, err))
		return
	}

	gen, ok := l.backends.Get(server)
	if !ok {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: unknown backend %s", registry.ReasonGenerateErrorPrefix, server))
		return
	}

	publish := func(ev relay.ProgressEvent) {
		ev.RequestID = job.ID
		if err := l.publisher.Publish(ctx, ev); err != nil {
			l.log.Debug("progress publish dropped", obs.String("request_id", job.ID), obs.Err(err))
		}
	}

	output, err := gen.Generate(ctx, job.ID, input, mutated, publish)
	if err != nil {
		if err == backend.ErrGenerateTimeout {
			l.fail(ctx, job.ID, registry.ReasonGenerateTimeoutPrefix)
			return
		}
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonGenerateErrorPrefix, err))
		return
	}

	outKey, err := l.objStore.Upload(ctx, output, fmt.Sprintf("output/%s", job.ID))
	if err != nil {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonGenerateErrorPrefix, err))
		return
	}
	url, err := l.objStore.PresignedURL(ctx, outKey, l.cfg.ObjectStore.PresignTTL)
	if err != nil {
		l.fail(ctx, job.ID, fmt.Sprintf("%s: %v", registry.ReasonGenerateErrorPrefix, err))
		return
	}

	duration := time.Since(start).Seconds()
	if err := l.reg.RecordDuration(ctx, duration); err != nil {
		l.log.Warn("failed to record moving average duration", obs.Err(err))
	}
	obs.GenerationDuration.Observe(duration)

	if err := l.reg.SetFields(ctx, job.ID, "status", string(registry.StatusDone), "output", url, "percent", "100"); err != nil {
		l.log.Error("failed to mark job done", obs.String("request_id", job.ID), obs.Err(err))
		return
	}
	obs.JobsCompleted.Inc()

	if job.Phone != "" {
		smsStatus := "sent"
		if err := l.sms.Send(ctx, job.Phone, smsgateway.DownloadMessage(url)); err != nil {
			l.log.Warn("sms notification failed", obs.String("request_id", job.ID), obs.Err(err))
			smsStatus = "failed"
			obs.SMSFailed.Inc()
		} else {
			obs.SMSSent.Inc()
		}
		if err := l.reg.SetFields(ctx, job.ID, "sms_status", smsStatus); err != nil {
			l.log.Warn("failed to record sms_status", obs.String("request_id", job.ID), obs.Err(err))
		}
	}
}

func (l *Loop) fail(ctx context.Context, requestID, reason string) {
	if err := l.reg.SetFields(ctx, requestID, "status", string(registry.StatusFailed), "error", reason); err != nil {
		l.log.Error("failed to record job failure", obs.String("request_id", requestID), obs.Err(err))
	}
	obs.JobsFailed.Inc()
}

// randomSeed draws a fresh sampler seed per job attempt.
func randomSeed() int64 {
	return int64(uuid.New().ID())
}
