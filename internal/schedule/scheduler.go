package schedule

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a running periodic job. Cancel stops the loop and waits for the
// current invocation of the callback to return.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Name returns the task name given at registration.
func (t *Task) Name() string { return t.name }

// Cancel stops the task and blocks until its loop has exited. Safe to call
// more than once.
func (t *Task) Cancel() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed when the task loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Scheduler owns a set of cancellable periodic tasks driven by a Clock.
// All timer wiring lives here so callers never reach for time.Ticker
// directly.
type Scheduler struct {
	clock  Clock
	logger zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	seq   int
}

// NewScheduler creates a Scheduler on the given clock.
func NewScheduler(clock Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*Task),
	}
}

// Clock returns the scheduler's clock, for callers that need Now or a
// one-shot timer on the same time source.
func (s *Scheduler) Clock() Clock { return s.clock }

// Every runs fn every interval until the task is cancelled or ctx ends.
// The first run happens after one interval, not immediately. Task names
// are made unique internally so repeated names do not collide.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.seq++
	key := name
	if _, ok := s.tasks[key]; ok {
		key = name + "#" + strconv.Itoa(s.seq)
	}
	s.tasks[key] = t
	s.mu.Unlock()

	ticker := s.clock.NewTicker(interval)

	go func() {
		defer func() {
			close(t.done)
			s.mu.Lock()
			delete(s.tasks, key)
			s.mu.Unlock()
		}()

		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				fn(ctx)
			}
		}
	}()

	return t
}

// Shutdown cancels every registered task and waits for their loops to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	s.logger.Debug().Int("tasks", len(tasks)).Msg("scheduler shut down")
}
