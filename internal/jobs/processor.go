package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rodrwan/moaa/internal/git"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/queue"
)

const (
	BranchPrefix = "moaa/cr-"

	branchIDLength  = 8
	maxErrorMessage = 2000
	notifyTimeout   = 8 * time.Second
	writeTimeout    = 10 * time.Second
	completeTries   = 3
)

// completeBackoff is the pause before each retry of the AWAITING_REVIEW write.
var completeBackoff = 500 * time.Millisecond

const (
	EventProcessingStarted = "processing_started"
	EventDiffGenerated     = "diff_generated"
	EventBranchPushed      = "branch_pushed"
	EventProcessingFailed  = "processing_failed"
	EventRedeliverySkipped = "redelivery_skipped"
)

// Store is the slice of storage the processor needs.
type Store interface {
	GetChangeRequest(ctx context.Context, id string) (model.ChangeRequest, error)
	Transition(ctx context.Context, id string, from []model.Status, upd model.Update) (model.ChangeRequest, error)
	AddEvent(ctx context.Context, changeRequestID, eventType, payload string) error
}

type GitManager interface {
	Clone(ctx context.Context, url, branch string) (*git.Workspace, error)
	RelevantFiles(ctx context.Context, ws *git.Workspace) ([]model.SourceFile, error)
	CreateBranchAndApplyDiff(ctx context.Context, ws *git.Workspace, branch, diff string) error
	PushBranch(ctx context.Context, ws *git.Workspace, branch string) error
	Cleanup(ws *git.Workspace)
}

type DiffGenerator interface {
	GenerateDiff(ctx context.Context, description string, files []model.SourceFile) (string, error)
}

// Notifier receives best-effort status updates.
type Notifier interface {
	NotifyStatus(ctx context.Context, cr model.ChangeRequest, summary string) error
}

type Processor struct {
	store    Store
	git      GitManager
	ai       DiffGenerator
	notifier Notifier
}

func NewProcessor(store Store, gm GitManager, gen DiffGenerator, notifier Notifier) *Processor {
	return &Processor{store: store, git: gm, ai: gen, notifier: notifier}
}

// BranchName is the deterministic review branch for a change request.
func BranchName(changeRequestID string) string {
	id := changeRequestID
	if len(id) > branchIDLength {
		id = id[:branchIDLength]
	}
	return BranchPrefix + id
}

// Process runs one attempt for job. Redelivery onto a record that has left
// PENDING/PROCESSING is a logged no-op. Pipeline failures are recorded as
// FAILED and returned so the queue can apply its retry policy.
func (p *Processor) Process(ctx context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrSkipRetry, err)
	}
	id := job.ChangeRequestID
	start := time.Now()

	cr, err := p.store.GetChangeRequest(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		observability.Error("cr_missing", observability.Fields{"change_request_id": id})
		return fmt.Errorf("%w: %w", queue.ErrSkipRetry, err)
	}
	if err != nil {
		return fmt.Errorf("load change request %s: %w", id, err)
	}
	if !cr.Status.Processable() {
		p.skip(ctx, id, cr.Status)
		return nil
	}

	cr, err = p.store.Transition(ctx, id, Sources(model.StatusProcessing), model.Update{
		Status:            model.StatusProcessing,
		ClearErrorMessage: true,
	})
	if errors.Is(err, model.ErrConflict) {
		current, getErr := p.store.GetChangeRequest(ctx, id)
		if getErr == nil {
			p.skip(ctx, id, current.Status)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark change request %s processing: %w", id, err)
	}
	p.event(ctx, id, EventProcessingStarted, fmt.Sprintf("attempt=%d", queue.Attempt(ctx)))
	observability.Info("cr_processing_started", observability.Fields{
		"change_request_id": id,
		"project_id":        job.ProjectID,
		"attempt":           queue.Attempt(ctx),
		"description_hash":  observability.HashText(job.Description),
	})

	branch, diff, err := p.run(ctx, job)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Shutdown: leave the record in PROCESSING for redelivery.
			observability.Warn("cr_processing_abandoned", observability.Fields{
				"change_request_id": id,
				"error":             err,
			})
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, model.ErrTimeout) {
			err = fmt.Errorf("%w: %w: task deadline: %w", model.ErrTimeout, ctx.Err(), err)
		}
		return p.fail(ctx, id, err, start)
	}

	updated, err := p.complete(ctx, id, model.Update{
		Status:            model.StatusAwaitingReview,
		BranchName:        model.StringPtr(branch),
		DiffContent:       model.StringPtr(diff),
		AIResponse:        model.StringPtr("Successfully generated diff for: " + job.Description),
		ClearErrorMessage: true,
	})
	if err != nil {
		return fmt.Errorf("mark change request %s awaiting review: %w", id, err)
	}
	observability.Info("cr_awaiting_review", observability.Fields{
		"change_request_id": id,
		"branch":            branch,
		"diff_bytes":        len(diff),
		"duration_ms":       time.Since(start).Milliseconds(),
	})
	p.notify(ctx, updated, "Diff ready for review on branch `"+branch+"`.")
	return nil
}

// run owns the workspace for the duration of one attempt.
func (p *Processor) run(ctx context.Context, job model.Job) (string, string, error) {
	ws, err := p.git.Clone(ctx, job.RepositoryURL, job.DefaultBranch)
	if err != nil {
		return "", "", err
	}
	defer p.git.Cleanup(ws)

	files, err := p.git.RelevantFiles(ctx, ws)
	if err != nil {
		return "", "", err
	}
	diff, err := p.ai.GenerateDiff(ctx, job.Description, files)
	if err != nil {
		return "", "", err
	}
	p.event(ctx, job.ChangeRequestID, EventDiffGenerated, fmt.Sprintf("files=%d bytes=%d", len(files), len(diff)))

	branch := BranchName(job.ChangeRequestID)
	if err := p.git.CreateBranchAndApplyDiff(ctx, ws, branch, diff); err != nil {
		return "", "", err
	}
	if err := p.git.PushBranch(ctx, ws, branch); err != nil {
		return "", "", err
	}
	p.event(ctx, job.ChangeRequestID, EventBranchPushed, branch)
	return branch, diff, nil
}

// complete records a pushed branch. The branch already exists remotely, so
// transient write failures are retried and the write survives cancellation
// of ctx.
func (p *Processor) complete(ctx context.Context, id string, upd model.Update) (model.ChangeRequest, error) {
	var err error
	for try := 1; try <= completeTries; try++ {
		if try > 1 {
			time.Sleep(time.Duration(try-1) * completeBackoff)
		}
		var cr model.ChangeRequest
		wctx, cancel := writeContext(ctx)
		cr, err = p.store.Transition(wctx, id, []model.Status{model.StatusProcessing}, upd)
		cancel()
		if err == nil || errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
			return cr, err
		}
		observability.Warn("cr_complete_write_failed", observability.Fields{
			"change_request_id": id,
			"try":               try,
			"error":             err,
		})
	}
	return model.ChangeRequest{}, err
}

// writeContext bounds a status write that must outlive ctx.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func (p *Processor) fail(ctx context.Context, id string, cause error, start time.Time) error {
	msg := errorMessage(cause)
	ctx, cancel := writeContext(ctx)
	defer cancel()
	failed, err := p.store.Transition(ctx, id, []model.Status{model.StatusProcessing}, model.Update{
		Status:       model.StatusFailed,
		ErrorMessage: model.StringPtr(msg),
	})
	observability.Error("cr_processing_failed", observability.Fields{
		"change_request_id": id,
		"error_kind":        model.Kind(cause),
		"error":             cause,
		"duration_ms":       time.Since(start).Milliseconds(),
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("mark change request %s failed: %w", id, err))
	}
	p.event(ctx, id, EventProcessingFailed, model.Kind(cause)+": "+msg)
	p.notify(ctx, failed, "Processing failed: `"+msg+"`")
	return cause
}

// errorMessage is the redacted, bounded text stored on a FAILED record.
func errorMessage(err error) string {
	msg := observability.Redact(err.Error())
	if len(msg) > maxErrorMessage {
		msg = strings.ToValidUTF8(msg[:maxErrorMessage], "")
	}
	return msg
}

func (p *Processor) skip(ctx context.Context, id string, status model.Status) {
	observability.Info("cr_redelivery_skipped", observability.Fields{
		"change_request_id": id,
		"status":            string(status),
	})
	p.event(ctx, id, EventRedeliverySkipped, string(status))
}

func (p *Processor) event(ctx context.Context, id, eventType, payload string) {
	if err := p.store.AddEvent(ctx, id, eventType, payload); err != nil {
		observability.Warn("cr_event_failed", observability.Fields{
			"change_request_id": id,
			"type":              eventType,
			"error":             err,
		})
	}
}

func (p *Processor) notify(ctx context.Context, cr model.ChangeRequest, summary string) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := p.notifier.NotifyStatus(nctx, cr, summary); err != nil {
		observability.Warn("cr_notify_failed", observability.Fields{
			"change_request_id": cr.ID,
			"error":             err,
		})
	}
}
