package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/model"
)

// ErrDuplicate is returned by Enqueue when a job with the same key is
// already pending, running or awaiting retry.
var ErrDuplicate = errors.New("duplicate job")

// ErrSkipRetry, when wrapped in a Handler error, ends the job without
// further attempts.
var ErrSkipRetry = errors.New("skip retry")

// Handler processes one delivery of a job. A non-nil error schedules a
// retry until the attempt budget is spent.
type Handler func(ctx context.Context, job model.Job) error

type Options struct {
	Name            string
	MaxAttempts     int
	Backoff         time.Duration
	Concurrency     int
	ShutdownTimeout time.Duration
	TaskTimeout     time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:            cfg.Queue.Name,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		Backoff:         cfg.Queue.Backoff,
		Concurrency:     cfg.Queue.Concurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
		TaskTimeout:     cfg.TaskTimeout(),
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "change-request"
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 5 * time.Second
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
	return o
}

const (
	maxBackoff         = 10 * time.Minute
	defaultTaskTimeout = 30 * time.Minute
)

// Backoff is the delay before the retry that follows `retried` earlier
// retries: base, 2*base, 4*base, ... capped at ten minutes.
func Backoff(base time.Duration, retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	d := base
	for i := 0; i < retried; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

type attemptKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt returns the 1-based delivery attempt of the job being handled.
func Attempt(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 1
}
