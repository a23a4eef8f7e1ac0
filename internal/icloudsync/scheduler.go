package icloudsync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of remote work submitted to a Pool. It returns the
// ActionResult the reconciler will inspect for follow-up and retry
// (spec.md §4.7).
type Job func() ActionResult

// Pool is a fixed-size goroutine worker pool draining a job channel into a
// results channel, with panic recovery around each job so a single bad
// operation cannot take the pool down (spec.md §4.8, §9 "coroutine/future
// chaining" replaced by message passing).
type Pool struct {
	name    string
	workers int

	jobs    chan Job
	results chan ActionResult

	wg gosync.WaitGroup
}

// NewPool constructs a pool with the given worker count and job queue
// depth.
func NewPool(name string, workers, queueDepth int) *Pool {
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		name:    name,
		workers: workers,
		jobs:    make(chan Job, queueDepth),
		results: make(chan ActionResult, queueDepth),
	}
}

// Start launches the pool's workers. They run until ctx is canceled or the
// job channel is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)

		go p.runWorker(ctx)
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}

			p.results <- p.safeRun(job)
		}
	}
}

func (p *Pool) safeRun(job Job) (result ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool job panicked", "pool", p.name, "panic", r)
			result = ActionResult{Kind: ActionNil, Success: false}
		}
	}()

	return job()
}

// Submit enqueues a job. It never blocks indefinitely past ctx
// cancellation.
func (p *Pool) Submit(ctx context.Context, job Job) {
	select {
	case p.jobs <- job:
	case <-ctx.Done():
	}
}

// Results returns the channel of completed job outcomes.
func (p *Pool) Results() <-chan ActionResult { return p.results }

// Stop closes the job channel and waits for in-flight workers to drain.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}

// RefreshLock gates exclusive access to refresh application. The
// reconciler's main loop and the periodic refresh builder both contend for
// it (spec.md §5: "a reentrant refresh-lock is taken by both the
// reconciler main loop and the refresh builder"). Go has no native
// reentrant mutex; TryLock-and-release is used purely as a gate for
// periodic jobs, while the reconciler itself holds Lock/Unlock across the
// actual apply step.
type RefreshLock struct {
	mu gosync.Mutex
}

// TryLock reports whether the lock was free, and if so leaves it held.
func (l *RefreshLock) TryLock() bool { return l.mu.TryLock() }

// Lock blocks until the lock is acquired.
func (l *RefreshLock) Lock() { l.mu.Lock() }

// Unlock releases the lock.
func (l *RefreshLock) Unlock() { l.mu.Unlock() }

// SchedulerConfig carries the periodic-job intervals (spec.md §6).
type SchedulerConfig struct {
	CheckPeriod    time.Duration
	RefreshPeriod  time.Duration
	DebouncePeriod time.Duration
	MaxWorkers     int
}

// Scheduler owns the serial writer pool, the parallel reader pool, and the
// periodic dirty-check/refresh-tick jobs (spec.md §4.8, component C9).
type Scheduler struct {
	cfg SchedulerConfig

	Writer *Pool // exactly one worker: upload, delete, mkdir (renames and moves run synchronously on the reconciler loop)
	Reader *Pool // N workers: downloads, folder rescans

	jobsDisabled *JobsDisabled
	lock         *RefreshLock
	inFlight     func() int

	onDirty        func(correlationID string) (rootChanged, trashChanged bool)
	onRefreshBuilt func(correlationID string, result ActionResult, built func() (*RemoteTree, ActionResult))
	buildRefresh   func() (*RemoteTree, ActionResult)

	// refreshTrigger carries a dirty-check's correlation id into the
	// refresh loop so a detected remote change runs a refresh immediately
	// instead of waiting for the next icloud_refresh_period tick (spec.md
	// §4.8 job 1: "request a refresh").
	refreshTrigger chan string

	dirtyMu               gosync.Mutex
	dirtyRoot, dirtyTrash bool // sticky since the last applied refresh

	currentRefreshPeriod time.Duration
	consecutiveBad       bool
}

// NewScheduler wires a Scheduler. inFlight reports the reconciler's
// in-flight future count; buildRefresh constructs and runs Refresh() on a
// brand-new RemoteTree; onDirty and onRefreshBuilt are reconciler callbacks.
func NewScheduler(
	cfg SchedulerConfig,
	jobsDisabled *JobsDisabled,
	lock *RefreshLock,
	inFlight func() int,
	onDirty func(correlationID string) (rootChanged, trashChanged bool),
	buildRefresh func() (*RemoteTree, ActionResult),
	onRefreshBuilt func(correlationID string, result ActionResult, built func() (*RemoteTree, ActionResult)),
) *Scheduler {
	return &Scheduler{
		cfg:                  cfg,
		Writer:               NewPool("writer", 1, 256),
		Reader:               NewPool("reader", cfg.MaxWorkers, 256),
		jobsDisabled:         jobsDisabled,
		lock:                 lock,
		inFlight:             inFlight,
		onDirty:              onDirty,
		buildRefresh:         buildRefresh,
		onRefreshBuilt:       onRefreshBuilt,
		refreshTrigger:       make(chan string, 1),
		currentRefreshPeriod: cfg.RefreshPeriod,
	}
}

// Start launches both worker pools and the periodic-job timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.Writer.Start(ctx)
	s.Reader.Start(ctx)

	go s.runDirtyCheck(ctx)
	go s.runRefreshTick(ctx)
}

// Stop drains and stops both worker pools.
func (s *Scheduler) Stop() {
	s.Writer.Stop()
	s.Reader.Stop()
}

func (s *Scheduler) blocked() bool {
	if s.jobsDisabled.IsSet() {
		return true
	}

	if s.inFlight() > 0 {
		return true
	}

	if !s.lock.TryLock() {
		return true
	}

	s.lock.Unlock()

	return false
}

// runDirtyCheck probes root/trash counters every CheckPeriod and, if either
// changed, pushes onto refreshTrigger so runRefreshTick runs a refresh
// immediately rather than waiting for the next icloud_refresh_period tick
// (spec.md §4.8 job 1: "if the live RemoteTree's counters differ ... request
// a refresh"). The changed flags are latched until the next applied refresh
// so applyBackoff can tell a real remote change from a persistent mismatch.
func (s *Scheduler) runDirtyCheck(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.blocked() {
				continue
			}

			correlationID := uuid.NewString()
			slog.Debug("dirty check", "correlation_id", correlationID)

			rootChanged, trashChanged := s.onDirty(correlationID)
			if !rootChanged && !trashChanged {
				continue
			}

			s.dirtyMu.Lock()
			s.dirtyRoot = s.dirtyRoot || rootChanged
			s.dirtyTrash = s.dirtyTrash || trashChanged
			s.dirtyMu.Unlock()

			select {
			case s.refreshTrigger <- correlationID:
			default:
				// a refresh is already queued or running; it will pick up
				// the latched dirty flags once it completes.
			}
		}
	}
}

func (s *Scheduler) runRefreshTick(ctx context.Context) {
	ticker := time.NewTicker(s.currentRefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case correlationID := <-s.refreshTrigger:
			if s.blocked() {
				continue
			}

			s.runRefreshCycle(correlationID)
			ticker.Reset(s.currentRefreshPeriod)
		case <-ticker.C:
			if s.blocked() {
				continue
			}

			s.runRefreshCycle(uuid.NewString())
			ticker.Reset(s.currentRefreshPeriod)
		}
	}
}

func (s *Scheduler) runRefreshCycle(correlationID string) {
	slog.Debug("refresh tick", "correlation_id", correlationID)

	refresh, result := s.buildRefresh()
	s.applyBackoff(result)

	s.onRefreshBuilt(correlationID, result, func() (*RemoteTree, ActionResult) { return refresh, result })
}

// applyBackoff implements the inconsistent-refresh backoff: the interval
// grows by one base period per consecutive bad refresh, capped at 6x base,
// but only when neither counter probe latched by runDirtyCheck has changed
// since the last applied refresh — a persistent mismatch with no observed
// remote change means polling faster isn't helping, while a latched change
// means there's real work to retry soon. Resets to base the moment a
// refresh succeeds.
func (s *Scheduler) applyBackoff(result ActionResult) {
	s.dirtyMu.Lock()
	rootChanged, trashChanged := s.dirtyRoot, s.dirtyTrash
	s.dirtyMu.Unlock()

	if result.Success {
		s.currentRefreshPeriod = s.cfg.RefreshPeriod
		s.consecutiveBad = false

		s.dirtyMu.Lock()
		s.dirtyRoot, s.dirtyTrash = false, false
		s.dirtyMu.Unlock()

		return
	}

	s.consecutiveBad = true

	if rootChanged || trashChanged {
		slog.Warn("background refresh inconsistent, remote counters changed, retrying at current period",
			"next_period", s.currentRefreshPeriod)
		return
	}

	next := s.currentRefreshPeriod + s.cfg.RefreshPeriod
	max := s.cfg.RefreshPeriod * 6

	if next > max {
		next = max
	}

	s.currentRefreshPeriod = next

	slog.Warn("background refresh inconsistent, backing off", "next_period", s.currentRefreshPeriod)
}
