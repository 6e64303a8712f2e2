package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

// TaskProcessChangeRequest is the asynq task type carrying a model.Job.
const TaskProcessChangeRequest = "change_request:process"

// Client enqueues jobs on a Redis-backed asynq queue.
type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisURL string, opts Options) (*Client, error) {
	conn, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: REDIS_URL: %v", model.ErrConfiguration, err)
	}
	return &Client{client: asynq.NewClient(conn), opts: opts.withDefaults()}, nil
}

// Enqueue submits job under its key; a live job with the same key yields
// ErrDuplicate.
func (c *Client) Enqueue(ctx context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	info, err := c.client.EnqueueContext(ctx,
		asynq.NewTask(TaskProcessChangeRequest, payload),
		asynq.TaskID(job.Key()),
		asynq.Queue(c.opts.Name),
		asynq.MaxRetry(c.opts.MaxAttempts-1),
		asynq.Timeout(c.opts.TaskTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.Key())
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Key(), err)
	}
	observability.Info("job_enqueued", observability.Fields{
		"key":   info.ID,
		"queue": info.Queue,
	})
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Server consumes jobs from the asynq queue with bounded concurrency.
type Server struct {
	srv  *asynq.Server
	opts Options
}

func NewServer(redisURL string, opts Options) (*Server, error) {
	conn, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: REDIS_URL: %v", model.ErrConfiguration, err)
	}
	opts = opts.withDefaults()
	srv := asynq.NewServer(conn, asynq.Config{
		Concurrency:     opts.Concurrency,
		Queues:          map[string]int{opts.Name: 1},
		ShutdownTimeout: opts.ShutdownTimeout,
		Logger:          observability.Sugar(),
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return Backoff(opts.Backoff, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			id, _ := asynq.GetTaskID(ctx)
			observability.Warn("job_attempt_failed", observability.Fields{
				"key":        id,
				"type":       task.Type(),
				"retried":    retried,
				"max_retry":  maxRetry,
				"error_kind": model.Kind(err),
				"error":      err,
			})
		}),
	})
	return &Server{srv: srv, opts: opts}, nil
}

// Run serves jobs until ctx is cancelled, then drains in-flight jobs for up
// to the shutdown timeout. Unfinished jobs are redelivered by Redis.
func (s *Server) Run(ctx context.Context, h Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskProcessChangeRequest, func(ctx context.Context, t *asynq.Task) error {
		job, err := model.UnmarshalJob(t.Payload())
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		err = h(withAttempt(ctx, retried+1), job)
		if errors.Is(err, ErrSkipRetry) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	})
	if err := s.srv.Start(mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	observability.Info("queue_server_started", observability.Fields{
		"queue":       s.opts.Name,
		"concurrency": s.opts.Concurrency,
	})
	<-ctx.Done()
	observability.Info("queue_server_stopping", observability.Fields{"timeout": s.opts.ShutdownTimeout.String()})
	s.srv.Shutdown()
	return nil
}
