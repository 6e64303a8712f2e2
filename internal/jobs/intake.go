package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/queue"
	"github.com/rodrwan/moaa/internal/storage"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 10000

	EventCreated        = "created"
	EventEnqueued       = "enqueued"
	EventEnqueueFailed  = "enqueue_failed"
	EventRecoveryQueued = "recovery_enqueued"
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

type IntakeStore interface {
	Store
	GetProject(ctx context.Context, id string) (model.Project, error)
	CreateChangeRequest(ctx context.Context, cr model.ChangeRequest) (model.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, f storage.ListFilter) ([]model.ChangeRequest, error)
}

type CreateChangeRequest struct {
	ProjectID   string
	Title       string
	Description string
}

func (c CreateChangeRequest) normalized() CreateChangeRequest {
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.Title = strings.TrimSpace(c.Title)
	c.Description = strings.TrimSpace(c.Description)
	return c
}

func (c CreateChangeRequest) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, model.Errorf(model.ErrInvalidArgument, "projectId is required"))
	}
	if n := utf8.RuneCountInString(c.Title); n == 0 || n > MaxTitleLength {
		errs = append(errs, model.Errorf(model.ErrInvalidArgument, "title must be 1..%d characters", MaxTitleLength))
	}
	if n := utf8.RuneCountInString(c.Description); n == 0 || n > MaxDescriptionLength {
		errs = append(errs, model.Errorf(model.ErrInvalidArgument, "description must be 1..%d characters", MaxDescriptionLength))
	}
	return errors.Join(errs...)
}

// Intake persists new change requests and hands them to the queue.
type Intake struct {
	store IntakeStore
	queue Enqueuer
}

func NewIntake(store IntakeStore, q Enqueuer) *Intake {
	return &Intake{store: store, queue: q}
}

func (in *Intake) Submit(ctx context.Context, userID string, req CreateChangeRequest) (model.ChangeRequest, error) {
	req = req.normalized()
	if strings.TrimSpace(userID) == "" {
		return model.ChangeRequest{}, model.Errorf(model.ErrInvalidArgument, "user id is required")
	}
	if err := req.Validate(); err != nil {
		return model.ChangeRequest{}, err
	}
	project, err := in.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	if project.OwnerID != userID {
		return model.ChangeRequest{}, model.Errorf(model.ErrForbidden, "project %s belongs to another user", project.ID)
	}

	cr, err := in.store.CreateChangeRequest(ctx, model.ChangeRequest{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Status:      model.StatusPending,
		ProjectID:   project.ID,
		AuthorID:    userID,
	})
	if err != nil {
		return model.ChangeRequest{}, err
	}
	in.event(ctx, cr.ID, EventCreated, cr.Title)

	job := model.NewJob(cr, project)
	if err := in.enqueue(ctx, job); err != nil {
		failed, failErr := in.store.Transition(ctx, cr.ID, []model.Status{model.StatusPending}, model.Update{
			Status:       model.StatusFailed,
			ErrorMessage: model.StringPtr(errorMessage(fmt.Errorf("enqueue failed: %w", err))),
		})
		observability.Error("cr_enqueue_failed", observability.Fields{
			"change_request_id": cr.ID,
			"error":             err,
		})
		if failErr != nil {
			return cr, errors.Join(err, fmt.Errorf("mark change request %s failed: %w", cr.ID, failErr))
		}
		in.event(ctx, cr.ID, EventEnqueueFailed, observability.Redact(err.Error()))
		return failed, err
	}
	in.event(ctx, cr.ID, EventEnqueued, job.Key())
	observability.Info("cr_submitted", observability.Fields{
		"change_request_id": cr.ID,
		"project_id":        project.ID,
		"author_id":         userID,
		"description_hash":  observability.HashText(cr.Description),
	})
	return cr, nil
}

// RecoverPending re-enqueues change requests left PENDING or PROCESSING, for
// example after a crash between persisting and enqueueing. Jobs already in the
// queue are absorbed as duplicates.
func (in *Intake) RecoverPending(ctx context.Context) (int, error) {
	var queued int
	for _, status := range []model.Status{model.StatusPending, model.StatusProcessing} {
		for offset := 0; ; {
			page, err := in.store.ListChangeRequests(ctx, storage.ListFilter{Status: status, Limit: recoverPageSize, Offset: offset})
			if err != nil {
				return queued, fmt.Errorf("list %s change requests: %w", status, err)
			}
			for _, cr := range page {
				project, err := in.store.GetProject(ctx, cr.ProjectID)
				if err != nil {
					observability.Warn("cr_recover_skipped", observability.Fields{"change_request_id": cr.ID, "error": err})
					continue
				}
				if err := in.enqueue(ctx, model.NewJob(cr, project)); err != nil {
					return queued, err
				}
				in.event(ctx, cr.ID, EventRecoveryQueued, string(cr.Status))
				queued++
			}
			if len(page) < recoverPageSize {
				break
			}
			offset += len(page)
		}
	}
	if queued > 0 {
		observability.Info("cr_recovered", observability.Fields{"count": queued})
	}
	return queued, nil
}

const recoverPageSize = 100

func (in *Intake) enqueue(ctx context.Context, job model.Job) error {
	err := in.queue.Enqueue(ctx, job)
	if errors.Is(err, queue.ErrDuplicate) {
		observability.Debug("job_duplicate", observability.Fields{"key": job.Key()})
		return nil
	}
	return err
}

func (in *Intake) event(ctx context.Context, id, eventType, payload string) {
	if err := in.store.AddEvent(ctx, id, eventType, payload); err != nil {
		observability.Warn("cr_event_failed", observability.Fields{
			"change_request_id": id,
			"type":              eventType,
			"error":             err,
		})
	}
}
