package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

const (
	EventApproved          = "approved"
	EventRejected          = "rejected"
	EventMerged            = "merged"
	EventPullRequestOpened = "pull_request_opened"
	EventPullRequestFailed = "pull_request_failed"
)

type ReviewStore interface {
	Store
	GetProject(ctx context.Context, id string) (model.Project, error)
}

// PullRequestOpener opens a pull request for an approved change request and
// returns its URL.
type PullRequestOpener interface {
	OpenPullRequest(ctx context.Context, project model.Project, cr model.ChangeRequest) (string, error)
}

type Reviews struct {
	store    ReviewStore
	prs      PullRequestOpener
	notifier Notifier
}

// NewReviews wires the review transitions. prs and notifier may be nil.
func NewReviews(store ReviewStore, prs PullRequestOpener, notifier Notifier) *Reviews {
	return &Reviews{store: store, prs: prs, notifier: notifier}
}

func (r *Reviews) Approve(ctx context.Context, userID, id string) (model.ChangeRequest, error) {
	cr, project, err := r.review(ctx, userID, id, model.StatusApproved, EventApproved)
	if err != nil || r.prs == nil {
		return cr, err
	}

	url, err := r.prs.OpenPullRequest(ctx, project, cr)
	if err != nil {
		observability.Warn("cr_pull_request_failed", observability.Fields{
			"change_request_id": id,
			"error":             err,
		})
		r.event(ctx, id, EventPullRequestFailed, errorMessage(err))
		return cr, nil
	}
	r.event(ctx, id, EventPullRequestOpened, url)
	// Same-status write: records the URL only while the request is still APPROVED.
	updated, err := r.store.Transition(ctx, id, []model.Status{model.StatusApproved}, model.Update{
		Status:         model.StatusApproved,
		PullRequestURL: model.StringPtr(url),
	})
	if err != nil {
		observability.Warn("cr_pull_request_unrecorded", observability.Fields{
			"change_request_id": id,
			"url":               url,
			"error":             err,
		})
		return cr, nil
	}
	return updated, nil
}

func (r *Reviews) Reject(ctx context.Context, userID, id string) (model.ChangeRequest, error) {
	cr, _, err := r.review(ctx, userID, id, model.StatusRejected, EventRejected)
	return cr, err
}

func (r *Reviews) Merge(ctx context.Context, userID, id string) (model.ChangeRequest, error) {
	cr, _, err := r.review(ctx, userID, id, model.StatusMerged, EventMerged)
	return cr, err
}

func (r *Reviews) review(ctx context.Context, userID, id string, to model.Status, eventType string) (model.ChangeRequest, model.Project, error) {
	cr, err := r.store.GetChangeRequest(ctx, id)
	if err != nil {
		return model.ChangeRequest{}, model.Project{}, err
	}
	project, err := r.store.GetProject(ctx, cr.ProjectID)
	if err != nil {
		return model.ChangeRequest{}, model.Project{}, err
	}
	if project.OwnerID != userID {
		return model.ChangeRequest{}, model.Project{}, model.Errorf(model.ErrForbidden, "only the project owner can review change request %s", id)
	}
	if !CanTransition(cr.Status, to) {
		return model.ChangeRequest{}, model.Project{}, model.Errorf(model.ErrInvalidTransition, "change request %s is %s, cannot move to %s", id, cr.Status, to)
	}

	updated, err := r.store.Transition(ctx, id, []model.Status{cr.Status}, model.Update{Status: to})
	if errors.Is(err, model.ErrConflict) {
		return model.ChangeRequest{}, model.Project{}, fmt.Errorf("%w: %w", model.ErrInvalidTransition, err)
	}
	if err != nil {
		return model.ChangeRequest{}, model.Project{}, err
	}
	r.event(ctx, id, eventType, userID)
	observability.Info("cr_reviewed", observability.Fields{
		"change_request_id": id,
		"from":              string(cr.Status),
		"to":                string(to),
		"reviewer_id":       userID,
	})
	r.notify(ctx, updated)
	return updated, project, nil
}

func (r *Reviews) event(ctx context.Context, id, eventType, payload string) {
	if err := r.store.AddEvent(ctx, id, eventType, payload); err != nil {
		observability.Warn("cr_event_failed", observability.Fields{
			"change_request_id": id,
			"type":              eventType,
			"error":             err,
		})
	}
}

func (r *Reviews) notify(ctx context.Context, cr model.ChangeRequest) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.notifier.NotifyStatus(nctx, cr, "Change request "+string(cr.Status)+"."); err != nil {
		observability.Warn("cr_notify_failed", observability.Fields{"change_request_id": cr.ID, "error": err})
	}
}
