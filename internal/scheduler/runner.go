package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnknownTask indicates a trigger for a task name that was never registered.
	ErrUnknownTask = errors.New("scheduler: unknown task")
	// ErrTaskBusy indicates that every concurrency slot of the task is taken.
	ErrTaskBusy = errors.New("scheduler: task is already running")

	errInvalidTask   = errors.New("scheduler: invalid task")
	errDuplicateTask = errors.New("scheduler: task already registered")
)

const (
	triggerStart    = "start"
	triggerInterval = "interval"
	triggerManual   = "manual"
)

// Task is a named periodic job.
type Task struct {
	Name string
	// Interval between dispatches. Ticks that find no free slot are skipped, never queued.
	Interval time.Duration
	// MaxConcurrency caps overlapping executions; zero means one.
	MaxConcurrency int64
	RunOnStart     bool
	Run            func(ctx context.Context) error
}

type registeredTask struct {
	task  Task
	slots *semaphore.Weighted
}

// Runner drives registered tasks on their intervals and accepts manual triggers.
type Runner struct {
	logger *zap.Logger

	mu      sync.RWMutex
	tasks   map[string]*registeredTask
	baseCtx context.Context
	// stopped is set once Run stops accepting executions; inflight.Add happens only
	// while it is false and the lock is held.
	stopped bool

	inflight sync.WaitGroup
}

// NewRunner constructs an empty Runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:  logger,
		tasks:   make(map[string]*registeredTask),
		baseCtx: context.Background(),
	}
}

// Register adds a task. It must be called before Run.
func (r *Runner) Register(task Task) error {
	if task.Name == "" || task.Run == nil || task.Interval <= 0 {
		return fmt.Errorf("%w: %q", errInvalidTask, task.Name)
	}
	if task.MaxConcurrency <= 0 {
		task.MaxConcurrency = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %q", errDuplicateTask, task.Name)
	}
	r.tasks[task.Name] = &registeredTask{task: task, slots: semaphore.NewWeighted(task.MaxConcurrency)}
	return nil
}

// Tasks lists registered task names in lexical order.
func (r *Runner) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches every task on its interval until ctx is cancelled, then waits for
// in-flight executions to return.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.stopped = false
	tasks := make([]*registeredTask, 0, len(r.tasks))
	for _, registered := range r.tasks {
		tasks = append(tasks, registered)
	}
	r.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, registered := range tasks {
		registered := registered
		group.Go(func() error {
			r.loop(groupCtx, registered)
			return nil
		})
	}
	err := group.Wait()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.inflight.Wait()
	r.logger.Info("scheduler stopped")
	return err
}

// Trigger starts one execution of the named task in the background. The execution is
// bound to the runner's lifetime, not the caller's.
func (r *Runner) Trigger(name string) error {
	registered, ctx, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !r.dispatch(ctx, registered, triggerManual) {
		return ErrTaskBusy
	}
	return nil
}

// RunNow executes the named task synchronously, honoring its concurrency limit.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	registered, _, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !registered.slots.TryAcquire(1) {
		return ErrTaskBusy
	}
	defer registered.slots.Release(1)
	return r.execute(ctx, registered, triggerManual)
}

func (r *Runner) lookup(name string) (*registeredTask, context.Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registered, ok := r.tasks[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return registered, r.baseCtx, nil
}

func (r *Runner) loop(ctx context.Context, registered *registeredTask) {
	ticker := time.NewTicker(registered.task.Interval)
	defer ticker.Stop()

	r.logger.Info("scheduled task started",
		zap.String("task", registered.task.Name),
		zap.Duration("interval", registered.task.Interval),
		zap.Int64("max_concurrency", registered.task.MaxConcurrency))

	if registered.task.RunOnStart {
		r.dispatch(ctx, registered, triggerStart)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatch(ctx, registered, triggerInterval)
		}
	}
}

// dispatch reports false when no slot was free.
func (r *Runner) dispatch(ctx context.Context, registered *registeredTask, trigger string) bool {
	if ctx.Err() != nil {
		return false
	}
	if !registered.slots.TryAcquire(1) {
		r.logger.Warn("task skipped, previous run still in progress",
			zap.String("task", registered.task.Name),
			zap.String("trigger", trigger))
		return false
	}
	if !r.track() {
		registered.slots.Release(1)
		return false
	}
	go func() {
		defer r.inflight.Done()
		defer registered.slots.Release(1)
		_ = r.execute(ctx, registered, trigger)
	}()
	return true
}

// track registers one in-flight execution unless the runner has stopped.
func (r *Runner) track() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Runner) execute(ctx context.Context, registered *registeredTask, trigger string) (err error) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scheduler: task %s panicked: %v", registered.task.Name, recovered)
		}
		fields := []zap.Field{
			zap.String("task", registered.task.Name),
			zap.String("trigger", trigger),
			zap.Duration("duration", time.Since(started)),
		}
		if err != nil {
			r.logger.Error("task failed", append(fields, zap.Error(err))...)
			return
		}
		r.logger.Debug("task finished", fields...)
	}()
	return registered.task.Run(ctx)
}
