package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

type delivery struct {
	job     model.Job
	attempt int
}

// Memory is an in-process queue with the same contract as the asynq
// backend: keyed dedup, bounded workers, retries with exponential backoff.
// Jobs do not survive the process.
type Memory struct {
	opts Options

	queue chan delivery

	mu        sync.Mutex
	live      map[string]bool
	pending   int
	exhausted []model.Job
	closed    bool
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.withDefaults(),
		queue: make(chan delivery, 128),
		live:  map[string]bool{},
	}
}

func (m *Memory) Enqueue(_ context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("queue is closed")
	}
	if m.live[job.Key()] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, job.Key())
	}
	m.live[job.Key()] = true
	m.pending++
	m.mu.Unlock()

	m.push(delivery{job: job, attempt: 1})
	return nil
}

// Redeliver hands job to a worker again regardless of dedup, the way a
// broker redelivers an unacknowledged message.
func (m *Memory) Redeliver(job model.Job) {
	m.mu.Lock()
	m.live[job.Key()] = true
	m.pending++
	m.mu.Unlock()
	m.push(delivery{job: job, attempt: 1})
}

func (m *Memory) push(d delivery) {
	select {
	case m.queue <- d:
	default:
		go func() { m.queue <- d }()
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight handler has returned.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx, h)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (m *Memory) worker(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.queue:
			m.handle(ctx, h, d)
		}
	}
}

func (m *Memory) handle(ctx context.Context, h Handler, d delivery) {
	tctx, cancel := context.WithTimeout(withAttempt(ctx, d.attempt), m.opts.TaskTimeout)
	err := h(tctx, d.job)
	cancel()
	if err != nil && !errors.Is(err, ErrSkipRetry) && d.attempt < m.opts.MaxAttempts {
		delay := Backoff(m.opts.Backoff, d.attempt-1)
		observability.Warn("job_retry_scheduled", observability.Fields{
			"key":        d.job.Key(),
			"attempt":    d.attempt,
			"delay":      delay.String(),
			"error_kind": model.Kind(err),
		})
		next := delivery{job: d.job, attempt: d.attempt + 1}
		time.AfterFunc(delay, func() { m.push(next) })
		return
	}

	m.mu.Lock()
	delete(m.live, d.job.Key())
	m.pending--
	if err != nil {
		m.exhausted = append(m.exhausted, d.job)
	}
	m.mu.Unlock()
	if err != nil {
		observability.Error("job_attempts_exhausted", observability.Fields{
			"key":        d.job.Key(),
			"attempts":   d.attempt,
			"error_kind": model.Kind(err),
			"error":      err,
		})
	}
}

// Exhausted lists jobs whose last attempt failed.
func (m *Memory) Exhausted() []model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Job(nil), m.exhausted...)
}

// WaitIdle blocks until no job is queued, running or waiting for a retry.
func (m *Memory) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		m.mu.Lock()
		idle := m.pending == 0
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close rejects further Enqueue calls.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
