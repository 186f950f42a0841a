package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler dispatches a due job's payload. "agent_turn" synthesizes an agent
// turn, "system_event" emits a system event onto the broadcast bus — the
// scheduler itself only knows how to find due jobs and run whatever is
// registered for their kind.
type Handler func(ctx context.Context, j *Job) error

// Scheduler polls the store every tick (10s, the spec's own cadence — not a
// generic per-job goroutine scheduler), dispatching jobs whose NextRun has
// passed to their handler, capped globally and per job so one runaway
// schedule can't starve the others.
type Scheduler struct {
	store    *Store
	handlers map[string]Handler

	tick         time.Duration
	globalSem    chan struct{}
	perJobCap    int

	mu      sync.Mutex
	running map[string]int // job ID -> in-flight count
}

// NewScheduler builds a scheduler over store. globalConcurrency bounds the
// total number of jobs running at once across the whole registry;
// perJobConcurrency bounds how many instances of the *same* job may overlap
// (the spec requires at most one).
func NewScheduler(s *Store, globalConcurrency, perJobConcurrency int) *Scheduler {
	if globalConcurrency <= 0 {
		globalConcurrency = 16
	}
	if perJobConcurrency <= 0 {
		perJobConcurrency = 1
	}
	return &Scheduler{
		store:     s,
		handlers:  make(map[string]Handler),
		tick:      10 * time.Second,
		globalSem: make(chan struct{}, globalConcurrency),
		perJobCap: perJobConcurrency,
		running:   make(map[string]int),
	}
}

// Register binds a handler to a job kind. Jobs whose kind has no registered
// handler are skipped with a logged warning rather than failing the tick.
func (sch *Scheduler) Register(kind string, h Handler) {
	sch.handlers[kind] = h
}

// Run polls the store every tick until ctx is cancelled.
func (sch *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sch.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sch.scanAndDispatch(ctx, now)
		}
	}
}

func (sch *Scheduler) scanAndDispatch(ctx context.Context, now time.Time) {
	for _, j := range sch.store.List() {
		if !j.Enabled || j.NextRun.After(now) {
			continue
		}
		sch.dispatch(ctx, j)
	}
}

func (sch *Scheduler) dispatch(ctx context.Context, j *Job) {
	sch.mu.Lock()
	if sch.running[j.ID] >= sch.perJobCap {
		sch.mu.Unlock()
		return
	}
	sch.running[j.ID]++
	sch.mu.Unlock()

	select {
	case sch.globalSem <- struct{}{}:
	default:
		// Global cap reached; try again next tick rather than blocking and
		// delaying the scan of every other due job.
		sch.mu.Lock()
		sch.running[j.ID]--
		sch.mu.Unlock()
		return
	}

	go func() {
		defer func() {
			<-sch.globalSem
			sch.mu.Lock()
			sch.running[j.ID]--
			sch.mu.Unlock()
		}()
		sch.runOne(ctx, j)
	}()
}

func (sch *Scheduler) runOne(ctx context.Context, j *Job) {
	handler, ok := sch.handlers[j.Kind]
	if !ok {
		slog.Warn("cron: no handler registered for job kind", "job_id", j.ID, "kind", j.Kind)
		return
	}

	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		slog.Error("cron: job has an unparseable schedule", "job_id", j.ID, "schedule", j.Schedule, "error", err)
		return
	}

	started := time.Now().UTC()
	runErr := handler(ctx, j)
	run := Run{
		JobID:     j.ID,
		StartedAt: started,
		Duration:  time.Since(started).String(),
		Status:    "ok",
	}
	if runErr != nil {
		run.Status = "error"
		run.Error = runErr.Error()
	}

	if err := sch.store.recordRun(j, run, sched); err != nil {
		slog.Error("cron: failed to record run outcome", "job_id", j.ID, "error", err)
	}
}
