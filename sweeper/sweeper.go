// Package sweeper runs periodic maintenance for a fleet of scheduler
// processes. Each process registers itself in the cluster store and
// heartbeats; one elected leader runs the scheduled tasks (lease
// expiration, partner load refresh, dead process reaping) so the fleet
// does not duplicate them.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/batch/cluster"
)

// TaskFunc is one maintenance pass.
type TaskFunc func(ctx context.Context) error

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type task struct {
	name     string
	schedule cronlib.Schedule
	run      TaskFunc
	next     time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithTickInterval sets how often due tasks are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.tickInterval = d }
}

// WithLeaderTTL sets the TTL for leader election.
func WithLeaderTTL(d time.Duration) Option {
	return func(s *Sweeper) { s.leaderTTL = d }
}

// WithHeartbeatInterval sets how often this process heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.heartbeatInterval = d }
}

// WithDeadWorkerThreshold sets how stale a heartbeat may be before the
// leader deregisters the process. Zero disables reaping.
func WithDeadWorkerThreshold(d time.Duration) Option {
	return func(s *Sweeper) { s.deadThreshold = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock overrides the time source used for task schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper registers a process, keeps its heartbeat, contends for
// leadership, and runs scheduled tasks while it leads.
type Sweeper struct {
	store cluster.Store
	self  *cluster.Worker

	tickInterval      time.Duration
	leaderTTL         time.Duration
	heartbeatInterval time.Duration
	deadThreshold     time.Duration
	now               func() time.Time
	logger            *slog.Logger

	leader atomic.Bool

	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// New creates a Sweeper for the process self.
func New(store cluster.Store, self *cluster.Worker, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:             store,
		self:              self,
		tickInterval:      time.Second,
		leaderTTL:         15 * time.Second,
		heartbeatInterval: 5 * time.Second,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask schedules fn under name. Tasks added after Start are picked up
// on the next tick.
func (s *Sweeper) AddTask(name, schedule string, fn TaskFunc) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", schedule, name, err)
	}
	s.addTask(name, sched, fn)
	return nil
}

func (s *Sweeper) addTask(name string, sched cronlib.Schedule, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{
		name:     name,
		schedule: sched,
		run:      fn,
		next:     sched.Next(s.now()),
	})
}

// IsLeader reports whether this process held leadership at its last
// election round.
func (s *Sweeper) IsLeader() bool { return s.leader.Load() }

// Self returns the registered process record.
func (s *Sweeper) Self() *cluster.Worker { return s.self }

// Start registers the process and launches the election, heartbeat, and
// task loops.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	now := s.now()
	s.self.State = cluster.WorkerActive
	s.self.LastSeen = now
	if s.self.CreatedAt.IsZero() {
		s.self.CreatedAt = now
	}
	if err := s.store.RegisterWorker(ctx, s.self); err != nil {
		return fmt.Errorf("register process: %w", err)
	}

	if s.deadThreshold > 0 {
		s.tasks = append(s.tasks, &task{
			name:     "reap_dead_workers",
			schedule: cronlib.Every(s.deadThreshold),
			run:      s.reapDeadWorkers,
			next:     now.Add(s.deadThreshold),
		})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.leaderLoop(gctx) })
	g.Go(func() error { return s.every(gctx, s.heartbeatInterval, s.heartbeat) })
	g.Go(func() error { return s.every(gctx, s.tickInterval, s.tick) })

	s.cancel, s.group, s.running = cancel, g, true
	s.logger.Info("sweeper started",
		slog.String("worker_id", s.self.ID.String()),
		slog.Int("scheduler_id", s.self.SchedulerID),
		slog.Int("tasks", len(s.tasks)),
	)
	return nil
}

// Stop stops the loops and deregisters the process.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	err := g.Wait()
	s.leader.Store(false)

	if derr := s.store.DeregisterWorker(ctx, s.self.ID); derr != nil {
		s.logger.Warn("failed to deregister process", slog.String("error", derr.Error()))
	}
	s.logger.Info("sweeper stopped")
	return err
}

// every runs fn immediately and then on each tick until ctx ends.
func (s *Sweeper) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Sweeper) leaderLoop(ctx context.Context) error {
	return s.every(ctx, max(s.leaderTTL/2, time.Millisecond), s.tryLeadership)
}

// tryLeadership renews a held leadership or tries to acquire a vacant one.
func (s *Sweeper) tryLeadership(ctx context.Context) {
	renewed, err := s.store.RenewLeadership(ctx, s.self.ID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		s.leader.Store(false)
		return
	}
	if renewed {
		s.leader.Store(true)
		return
	}

	acquired, err := s.store.AcquireLeadership(ctx, s.self.ID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		s.leader.Store(false)
		return
	}
	if acquired && !s.leader.Load() {
		s.logger.Info("acquired sweeper leadership", slog.String("worker_id", s.self.ID.String()))
	}
	s.leader.Store(acquired)
}

func (s *Sweeper) heartbeat(ctx context.Context) {
	if err := s.store.HeartbeatWorker(ctx, s.self.ID); err != nil {
		s.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}

// tick runs every due task when this process leads. Task errors are
// logged; a failing task never stops the others.
func (s *Sweeper) tick(ctx context.Context) {
	if !s.IsLeader() {
		return
	}
	s.runDue(ctx, s.now())
}

func (s *Sweeper) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.next.After(now) {
			t.next = t.schedule.Next(now)
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		start := time.Now()
		if err := t.run(ctx); err != nil {
			s.logger.Warn("sweeper task failed",
				slog.String("task", t.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Debug("sweeper task done",
			slog.String("task", t.name),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// reapDeadWorkers deregisters processes whose heartbeat went stale. Their
// leases are left to expire.
func (s *Sweeper) reapDeadWorkers(ctx context.Context) error {
	dead, err := s.store.ReapDeadWorkers(ctx, s.deadThreshold)
	if err != nil {
		return fmt.Errorf("reap dead workers: %w", err)
	}
	for _, w := range dead {
		if w.ID.String() == s.self.ID.String() {
			continue
		}
		if err := s.store.DeregisterWorker(ctx, w.ID); err != nil {
			s.logger.Warn("deregister dead process failed",
				slog.String("worker_id", w.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("deregistered dead process",
			slog.String("worker_id", w.ID.String()),
			slog.String("hostname", w.Hostname),
			slog.Time("last_seen", w.LastSeen),
		)
	}
	return nil
}
