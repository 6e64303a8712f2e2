package model

import "time"

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusAwaitingReview Status = "AWAITING_REVIEW"
	StatusApproved       Status = "APPROVED"
	StatusRejected       Status = "REJECTED"
	StatusMerged         Status = "MERGED"
	StatusFailed         Status = "FAILED"
)

var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusAwaitingReview,
	StatusApproved,
	StatusRejected,
	StatusMerged,
	StatusFailed,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaitingReview, StatusApproved,
		StatusRejected, StatusMerged, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus converts a stored value back into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", Errorf(ErrInvalidArgument, "unknown status %q", v)
	}
	return s, nil
}

// Processable reports whether the worker may (re)run the pipeline for a
// change request in this status.
func (s Status) Processable() bool {
	return s == StatusPending || s == StatusProcessing
}

type ChangeRequest struct {
	ID             string
	Title          string
	Description    string
	Status         Status
	ProjectID      string
	AuthorID       string
	BranchName     *string
	DiffContent    *string
	AIResponse     *string
	ErrorMessage   *string
	PullRequestURL *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Update is the set of status-related fields written by one guarded
// transition. Nil pointers leave the stored column untouched unless the
// matching Clear flag is set.
type Update struct {
	Status            Status
	BranchName        *string
	DiffContent       *string
	AIResponse        *string
	ErrorMessage      *string
	PullRequestURL    *string
	ClearErrorMessage bool
}

type Event struct {
	ID              int64
	ChangeRequestID string
	Type            string
	Payload         string
	CreatedAt       time.Time
}

func StringPtr(v string) *string { return &v }

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
