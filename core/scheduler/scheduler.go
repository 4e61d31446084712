// Package scheduler drives every task from its deadline to settlement.
//
// Three kinds of trigger feed one work queue: a per-task timer registered at
// creation, a periodic deadline sweep, and a periodic retry sweep for tasks
// parked in JUDGING or PAYMENT_PENDING. Triggers may overlap freely; the
// conditional OPEN -> JUDGING claim in CompleteTask decides which one runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"bounty-settlement/clock"
	"bounty-settlement/core/escrow"
	"bounty-settlement/core/judging"
	"bounty-settlement/core/retry"
	"bounty-settlement/core/settlement"
	"bounty-settlement/metrics"
)

// Trigger names, also used as metric labels.
const (
	TriggerTimer    = "timer"
	TriggerSweep    = "sweep"
	TriggerRetry    = "retry"
	TriggerOperator = "operator"
)

// Judger is the part of the Judging Engine the scheduler drives.
type Judger interface {
	Judge(ctx context.Context, task settlement.Task) (judging.Verdict, error)
}

// Settler is the part of the Settlement Executor the scheduler drives.
type Settler interface {
	Settle(ctx context.Context, task settlement.Task, winnerSubmissionID, winnerWallet string) (escrow.Result, error)
	Attempt(ctx context.Context, taskID string) (escrow.Result, error)
}

// Config tunes the scheduler loops.
type Config struct {
	SweepInterval   time.Duration
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	// EntryMaxAge evicts timer entries whose deadline passed this long ago
	// without the timer removing itself.
	EntryMaxAge time.Duration
	// JudgingGrace is how long a claimed task may sit in JUDGING or
	// PAYMENT_PENDING before the retry sweep resumes it.
	JudgingGrace time.Duration
	Workers      int
	QueueSize    int
	BatchSize    int
	Policy       retry.Policy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		RetryInterval:   time.Minute,
		CleanupInterval: 10 * time.Minute,
		EntryMaxAge:     time.Hour,
		JudgingGrace:    5 * time.Minute,
		Workers:         4,
		QueueSize:       256,
		BatchSize:       100,
		Policy:          retry.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.EntryMaxAge <= 0 {
		c.EntryMaxAge = d.EntryMaxAge
	}
	if c.JudgingGrace < 0 {
		c.JudgingGrace = 0
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

type entry struct {
	timer    clock.Timer
	deadline time.Time
}

type job struct {
	taskID  string
	trigger string
}

// Scheduler owns the timer registry and the workers that run completions.
// It has an explicit Init/Shutdown lifecycle.
type Scheduler struct {
	store   settlement.Store
	judge   Judger
	settler Settler
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	timers  map[string]*entry
	queued  map[string]struct{}
	running bool
	cancel  context.CancelFunc

	queue chan job
	wg    sync.WaitGroup
}

// New builds a Scheduler. logger and m may be nil.
func New(store settlement.Store, judge Judger, settler Settler, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:   store,
		judge:   judge,
		settler: settler,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "scheduler"),
		metrics: m,
		tracer:  otel.Tracer("bounty-settlement/core/scheduler"),
		timers:  make(map[string]*entry),
		queued:  make(map[string]struct{}),
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Init re-registers a timer for every OPEN task, then starts the workers
// and the sweep loops. Timers are not persisted, so this is how a restart
// recovers; anything missed in between is caught by the deadline sweep.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	open, err := s.store.ListTasks(ctx, settlement.TaskFilter{Status: settlement.StatusOpen})
	if err != nil {
		s.Shutdown()
		return err
	}
	for _, t := range open {
		s.schedule(t.TaskID, t.Deadline)
	}
	s.logger.Info("scheduler started", "open_tasks", len(open), "workers", s.cfg.Workers)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.wg.Add(3)
	go s.loop(runCtx, s.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := s.SweepDeadlines(ctx); err != nil {
			s.logger.Warn("deadline sweep failed", "error", err)
		}
		if _, err := s.Stats(ctx); err != nil {
			s.logger.Warn("stats refresh failed", "error", err)
		}
	})
	go s.loop(runCtx, s.cfg.RetryInterval, func(ctx context.Context) {
		if _, err := s.SweepRetries(ctx); err != nil {
			s.logger.Warn("retry sweep failed", "error", err)
		}
	})
	go s.loop(runCtx, s.cfg.CleanupInterval, func(ctx context.Context) {
		s.Cleanup(ctx)
	})
	return nil
}

// Shutdown cancels every pending timer and stops the workers. Tasks whose
// timers were dropped are picked up by the deadline sweep after restart.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			fn(ctx)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.process(ctx, j)
			s.mu.Lock()
			delete(s.queued, j.taskID)
			s.mu.Unlock()
		}
	}
}

// OnTaskCreated registers the completion trigger for a new task.
func (s *Scheduler) OnTaskCreated(task settlement.Task) {
	if task.Status != "" && task.Status != settlement.StatusOpen {
		return
	}
	s.schedule(task.TaskID, task.Deadline)
}

// schedule replaces any existing timer for the task. An overdue deadline is
// enqueued straight away.
func (s *Scheduler) schedule(taskID string, deadline time.Time) {
	delay := deadline.Sub(s.clock.Now())
	if delay <= 0 {
		s.forget(taskID)
		s.enqueue(taskID, TriggerTimer)
		return
	}
	e := &entry{deadline: deadline}
	s.mu.Lock()
	if old, ok := s.timers[taskID]; ok {
		old.timer.Stop()
	}
	s.timers[taskID] = e
	// Held across AfterFunc so the entry is populated before a fake clock can fire it.
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(taskID, e) })
	s.mu.Unlock()
}

func (s *Scheduler) fire(taskID string, e *entry) {
	s.mu.Lock()
	if cur, ok := s.timers[taskID]; ok && cur == e {
		delete(s.timers, taskID)
	}
	s.mu.Unlock()
	s.enqueue(taskID, TriggerTimer)
}

// forget stops and evicts a task's timer.
func (s *Scheduler) forget(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[taskID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, taskID)
	return true
}

// Scheduled reports whether a timer is registered for the task.
func (s *Scheduler) Scheduled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[taskID]
	return ok
}

// TimerCount returns the number of registered timers.
func (s *Scheduler) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// enqueue hands a task to the workers. A task already waiting in the queue
// is not queued twice; a full queue drops the job and leaves it to the next
// sweep.
func (s *Scheduler) enqueue(taskID, trigger string) bool {
	s.mu.Lock()
	if _, ok := s.queued[taskID]; ok {
		s.mu.Unlock()
		return false
	}
	s.queued[taskID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- job{taskID: taskID, trigger: trigger}:
		return true
	default:
		s.mu.Lock()
		delete(s.queued, taskID)
		s.mu.Unlock()
		s.logger.Warn("work queue full, leaving task to the next sweep", "task_id", taskID, "trigger", trigger)
		return false
	}
}
