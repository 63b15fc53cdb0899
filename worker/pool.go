package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/batch/job"
)

// Pool runs a fixed number of execution slots for one batch process.
// Slot i claims under LockKey{SchedulerID, WorkerID, i}, so every lease
// it holds names exactly one slot.
type Pool struct {
	leaser           Leaser
	executor         *Executor
	schedulerID      int
	workerID         int
	slots            int
	jobTypes         []job.Type
	filter           job.Filter
	maxExecutionTime time.Duration
	pollInterval     time.Duration
	logger           *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[int]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithSlots sets the number of execution slots.
func WithSlots(n int) PoolOption {
	return func(p *Pool) { p.slots = n }
}

// WithJobTypes sets the job types the slots claim, in round-robin order.
func WithJobTypes(types ...job.Type) PoolOption {
	return func(p *Pool) { p.jobTypes = types }
}

// WithFilter narrows every claim the pool makes.
func WithFilter(f job.Filter) PoolOption {
	return func(p *Pool) { p.filter = f }
}

// WithMaxExecutionTime sets the lease duration requested per claim. Zero
// defers to the job type default.
func WithMaxExecutionTime(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxExecutionTime = d }
}

// WithPollInterval sets how long an idle slot waits before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a pool for the batch process (schedulerID, workerID).
func NewPool(
	leaser Leaser,
	executor *Executor,
	schedulerID, workerID int,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		leaser:       leaser,
		executor:     executor,
		schedulerID:  schedulerID,
		workerID:     workerID,
		slots:        1,
		pollInterval: time.Second,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the lock key of slot i.
func (p *Pool) Key(i int) job.LockKey {
	return job.LockKey{SchedulerID: p.schedulerID, WorkerID: p.workerID, BatchIndex: i}
}

// Slots returns the number of execution slots.
func (p *Pool) Slots() int { return p.slots }

// Start launches the slot goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	types := make([]string, len(p.jobTypes))
	for i, t := range p.jobTypes {
		types[i] = string(t)
	}
	p.logger.Info("worker pool starting",
		slog.Int("scheduler_id", p.schedulerID),
		slog.Int("worker_id", p.workerID),
		slog.Int("slots", p.slots),
		slog.Any("job_types", types),
	)

	for i := range p.slots {
		p.wg.Add(1)
		go p.slotLoop(i)
	}
	return nil
}

// Stop signals all slots to stop and waits for them to finish.
// If the context has a deadline, running handlers are cancelled when
// time runs out; their jobs are still freed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.Int("worker_id", p.workerID))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// slotLoop claims and executes one job at a time under slot i's key.
func (p *Pool) slotLoop(i int) {
	defer p.wg.Done()
	key := p.Key(i)
	next := 0

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if len(p.jobTypes) == 0 {
			p.sleep()
			continue
		}

		claimed := false
		for range p.jobTypes {
			jobType := p.jobTypes[next%len(p.jobTypes)]
			next++

			jobs, err := p.leaser.ClaimJobs(context.Background(), key, p.maxExecutionTime, 1, p.filter, jobType)
			if err != nil {
				p.logger.Error("claim error",
					slog.Int("batch_index", i),
					slog.String("job_type", string(jobType)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if len(jobs) == 0 {
				continue
			}

			p.run(i, key, jobs[0])
			claimed = true
			break
		}
		if !claimed {
			p.sleep()
		}
	}
}

func (p *Pool) run(i int, key job.LockKey, j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackSlot(i, cancel)
	defer func() {
		p.untrackSlot(i)
		cancel()
	}()

	if err := p.executor.Execute(ctx, j, key); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackSlot(i int, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[i] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackSlot(i int) {
	p.activeMu.Lock()
	delete(p.activeJobs, i)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for i, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.Int("batch_index", i))
		cancel()
	}
}
