// Package janitor hosts the background maintenance loop: purging expired
// dead-letter items and finalizing pipeline runs orphaned by a crash. Only
// one replica works at a time, elected through a Redis lock.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/pipeline"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

const runSweepLimit = 500

// Elector gates sweeps so that only the leading replica mutates state.
type Elector interface {
	IsLeader(ctx context.Context) bool
}

// Janitor runs periodic maintenance sweeps against the task and run stores.
type Janitor struct {
	machine       *pipeline.StateMachine
	dlqMgr        *dlq.Manager
	runs          store.RunStore
	elector       Elector
	sweepInterval time.Duration
	dlqRetention  time.Duration
	purgeSchedule cron.Schedule
	nextPurge     time.Time
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Janitor)

func WithSweepInterval(d time.Duration) Option { return func(j *Janitor) { j.sweepInterval = d } }
func WithDLQRetention(d time.Duration) Option  { return func(j *Janitor) { j.dlqRetention = d } }
func WithLogger(l *slog.Logger) Option         { return func(j *Janitor) { j.logger = l } }
func WithClock(now func() time.Time) Option    { return func(j *Janitor) { j.now = now } }

// WithPurgeSchedule sets the cron expression controlling when the DLQ purge
// fires. The default is daily at 03:00.
func WithPurgeSchedule(expr string) (Option, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return func(j *Janitor) { j.purgeSchedule = schedule }, nil
}

func New(machine *pipeline.StateMachine, dlqMgr *dlq.Manager, runs store.RunStore, elector Elector, opts ...Option) *Janitor {
	schedule, _ := cron.ParseStandard("0 3 * * *")
	j := &Janitor{
		machine:       machine,
		dlqMgr:        dlqMgr,
		runs:          runs,
		elector:       elector,
		sweepInterval: 15 * time.Second,
		dlqRetention:  30 * 24 * time.Hour,
		purgeSchedule: schedule,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.nextPurge = j.purgeSchedule.Next(j.now())
	return j
}

// Run blocks until ctx is cancelled, sweeping once per interval. The first
// sweep happens immediately so a fresh deploy recovers orphaned runs without
// waiting out a tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.sweepInterval)
	defer ticker.Stop()

	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass if this replica holds leadership.
func (j *Janitor) Sweep(ctx context.Context) {
	if !j.elector.IsLeader(ctx) {
		return
	}
	j.finalizeRuns(ctx)
	j.maybePurgeDLQ(ctx)
}

// finalizeRuns reconciles every unfinished run. Reconcile is idempotent, so
// sweeping a run that is still legitimately in flight is a no-op; only runs
// whose member tasks all reached a terminal status get finalized.
func (j *Janitor) finalizeRuns(ctx context.Context) {
	runs, err := j.runs.ListUnfinished(ctx, runSweepLimit)
	if err != nil {
		j.logger.Error("list unfinished runs", slog.String("error", err.Error()))
		return
	}
	for _, run := range runs {
		if err := j.machine.Reconcile(ctx, run.ID); err != nil {
			j.logger.Error("reconcile run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		after, err := j.runs.Get(ctx, run.ID)
		if err != nil {
			continue
		}
		if after.Status.IsTerminal() {
			telemetry.JanitorRunsFinalized.Inc()
			j.logger.Info("run finalized by sweep",
				slog.String("run_id", run.ID),
				slog.String("pipeline", run.PipelineName),
				slog.String("status", string(after.Status)),
			)
		}
	}
}

func (j *Janitor) maybePurgeDLQ(ctx context.Context) {
	now := j.now()
	if now.Before(j.nextPurge) {
		return
	}
	j.nextPurge = j.purgeSchedule.Next(now)

	cutoff := now.Add(-j.dlqRetention)
	deleted, err := j.dlqMgr.Purge(ctx, cutoff)
	if err != nil {
		j.logger.Error("dlq purge", slog.String("error", err.Error()))
		return
	}
	j.logger.Info("dlq purge complete",
		slog.Int("deleted", deleted),
		slog.Time("cutoff", cutoff),
		slog.Time("next_purge", j.nextPurge),
	)
}
