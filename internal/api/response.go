package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type projectPayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   *string   `json:"description"`
	RepositoryURL string    `json:"repositoryUrl"`
	DefaultBranch string    `json:"defaultBranch"`
	OwnerID       string    `json:"ownerId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type changeRequestPayload struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	ProjectID      string    `json:"projectId"`
	AuthorID       string    `json:"authorId"`
	BranchName     *string   `json:"branchName"`
	DiffContent    *string   `json:"diffContent"`
	AIResponse     *string   `json:"aiResponse"`
	ErrorMessage   *string   `json:"errorMessage"`
	PullRequestURL *string   `json:"pullRequestUrl"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type changeRequestListPayload struct {
	Items    []changeRequestPayload `json:"items"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"pageSize"`
}

type eventPayload struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		Error: errorPayload{
			Code:    code,
			Message: message,
		},
	})
}

// respondDomainError maps the model error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	msg := observability.Redact(err.Error())
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
	case errors.Is(err, model.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", msg)
	case errors.Is(err, model.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", msg)
	case errors.Is(err, model.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", msg)
	case errors.Is(err, model.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", msg)
	default:
		observability.Error("http_internal_error", observability.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"error_kind": model.Kind(err),
			"error":      err,
		})
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func mapProject(p model.Project) projectPayload {
	return projectPayload{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		RepositoryURL: p.RepositoryURL,
		DefaultBranch: p.DefaultBranch,
		OwnerID:       p.OwnerID,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func mapChangeRequest(cr model.ChangeRequest) changeRequestPayload {
	return changeRequestPayload{
		ID:             cr.ID,
		Title:          cr.Title,
		Description:    cr.Description,
		Status:         string(cr.Status),
		ProjectID:      cr.ProjectID,
		AuthorID:       cr.AuthorID,
		BranchName:     cr.BranchName,
		DiffContent:    cr.DiffContent,
		AIResponse:     cr.AIResponse,
		ErrorMessage:   cr.ErrorMessage,
		PullRequestURL: cr.PullRequestURL,
		CreatedAt:      cr.CreatedAt,
		UpdatedAt:      cr.UpdatedAt,
	}
}

func mapEvent(e model.Event) eventPayload {
	return eventPayload{ID: e.ID, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt}
}
