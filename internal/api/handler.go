package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/storage"
)

const (
	UserHeader   = "X-User-ID"
	maxBodyBytes = 1 << 20
)

type Store interface {
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]model.Project, error)
	GetChangeRequest(ctx context.Context, id string) (model.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, f storage.ListFilter) ([]model.ChangeRequest, error)
	ListEvents(ctx context.Context, changeRequestID string) ([]model.Event, error)
	Ping(ctx context.Context) error
}

type Intake interface {
	Submit(ctx context.Context, userID string, req jobs.CreateChangeRequest) (model.ChangeRequest, error)
}

type Reviews interface {
	Approve(ctx context.Context, userID, id string) (model.ChangeRequest, error)
	Reject(ctx context.Context, userID, id string) (model.ChangeRequest, error)
	Merge(ctx context.Context, userID, id string) (model.ChangeRequest, error)
}

type Handler struct {
	store   Store
	intake  Intake
	reviews Reviews
}

func NewHandler(store Store, intake Intake, reviews Reviews) *Handler {
	return &Handler{store: store, intake: intake, reviews: reviews}
}

// Router builds the HTTP API. mounts attach extra route groups (the Slack
// endpoints) outside the X-User-ID requirement.
func (h *Handler) Router(mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.Health)
	for _, mount := range mounts {
		mount(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.CreateProject)
			r.Get("/", h.ListProjects)
			r.Get("/{id}", h.GetProject)
		})

		r.Route("/change-requests", func(r chi.Router) {
			r.Post("/", h.CreateChangeRequest)
			r.Get("/", h.ListChangeRequests)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetChangeRequest)
				r.Get("/events", h.ListEvents)
				r.Post("/approve", h.review(h.reviews.Approve))
				r.Post("/reject", h.review(h.reviews.Reject))
				r.Post("/merge", h.review(h.reviews.Merge))
			})
		})
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	p, err := h.store.CreateProject(r.Context(), req.toDomain(uuid.NewString(), userID(r)))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, mapProject(p))
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context(), userID(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	out := make([]projectPayload, 0, len(projects))
	for _, p := range projects {
		out = append(out, mapProject(p))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedProject(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, mapProject(p))
}

func (h *Handler) CreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	var req createChangeRequestRequest
	if !decode(w, r, &req) {
		return
	}
	cr, err := h.intake.Submit(r.Context(), userID(r), req.toIntake())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, mapChangeRequest(cr))
}

func (h *Handler) ListChangeRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size, err := pagination(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	filter := storage.ListFilter{Limit: size, Offset: (page - 1) * size}
	if v := q.Get("status"); v != "" {
		status, err := model.ParseStatus(v)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		filter.Status = status
	}
	if projectID := q.Get("projectId"); projectID != "" {
		if _, err := h.ownedProject(r.Context(), userID(r), projectID); err != nil {
			respondDomainError(w, r, err)
			return
		}
		filter.ProjectID = projectID
	} else {
		filter.AuthorID = userID(r)
	}

	list, err := h.store.ListChangeRequests(r.Context(), filter)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	items := make([]changeRequestPayload, 0, len(list))
	for _, cr := range list {
		items = append(items, mapChangeRequest(cr))
	}
	respondJSON(w, http.StatusOK, changeRequestListPayload{Items: items, Page: page, PageSize: size})
}

func (h *Handler) GetChangeRequest(w http.ResponseWriter, r *http.Request) {
	cr, err := h.visibleChangeRequest(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, mapChangeRequest(cr))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	cr, err := h.visibleChangeRequest(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), cr.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	out := make([]eventPayload, 0, len(events))
	for _, e := range events {
		out = append(out, mapEvent(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) review(op func(ctx context.Context, userID, id string) (model.ChangeRequest, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cr, err := op(r.Context(), userID(r), chi.URLParam(r, "id"))
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, mapChangeRequest(cr))
	}
}

func (h *Handler) ownedProject(ctx context.Context, userID, id string) (model.Project, error) {
	p, err := h.store.GetProject(ctx, id)
	if err != nil {
		return model.Project{}, err
	}
	if p.OwnerID != userID {
		return model.Project{}, model.Errorf(model.ErrForbidden, "project %s belongs to another user", id)
	}
	return p, nil
}

// visibleChangeRequest returns the change request when userID authored it or
// owns its project.
func (h *Handler) visibleChangeRequest(ctx context.Context, userID, id string) (model.ChangeRequest, error) {
	cr, err := h.store.GetChangeRequest(ctx, id)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	if cr.AuthorID == userID {
		return cr, nil
	}
	if _, err := h.ownedProject(ctx, userID, cr.ProjectID); err != nil {
		return model.ChangeRequest{}, err
	}
	return cr, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return false
	}
	return true
}
