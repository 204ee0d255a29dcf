// Package scheduler runs named reconciliation tasks on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrUnknownTask = errors.New("unknown task")

type Task func(ctx context.Context) error

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type TickerFactory func(time.Duration) Ticker

func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

type entry struct {
	name     string
	interval time.Duration
	task     Task
	running  sync.Mutex
}

type Scheduler struct {
	mu        sync.Mutex
	entries   []*entry
	newTicker TickerFactory
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New() *Scheduler {
	return NewWithTicker(NewTimeTicker)
}

func NewWithTicker(newTicker TickerFactory) *Scheduler {
	return &Scheduler{newTicker: newTicker}
}

// Register adds a task. Tasks registered after Start are not picked up.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, interval: interval, task: task})
}

// Start runs every task once right away and then on its interval, each on
// its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, e := range s.entries {
		if e.interval <= 0 {
			slog.Warn("scheduled task has no interval, not starting", "task", e.name)
			continue
		}
		ticker := s.newTicker(e.interval)
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer ticker.Stop()
			s.run(loopCtx, e)
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C():
					s.run(loopCtx, e)
				}
			}
		}(e)
	}
}

// RunOnce runs the named task synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.name == name {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, found)
}

// Stop cancels all loops and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// run executes one tick. Ticks of the same task never overlap.
func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	e.running.Lock()
	defer e.running.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", e.name, r)
			slog.Error("scheduled task panicked", "task", e.name, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	if err = e.task(ctx); err != nil {
		slog.Error("scheduled task failed", "task", e.name, "error", err)
		return err
	}
	slog.Debug("scheduled task finished", "task", e.name, "duration", time.Since(start))
	return nil
}
