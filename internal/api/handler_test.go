package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/queue"
	"github.com/rodrwan/moaa/internal/storage"
)

type testEnv struct {
	store  *storage.SQLiteStore
	queue  *queue.Memory
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	q := queue.NewMemory(queue.Options{})
	h := NewHandler(s, jobs.NewIntake(s, q), jobs.NewReviews(s, nil, nil))
	return &testEnv{store: s, queue: q, router: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) createProject(t *testing.T, user string) projectPayload {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/projects", user, map[string]any{
		"name":          "demo",
		"repositoryUrl": "https://github.com/acme/demo.git",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[projectPayload](t, rec)
}

func (e *testEnv) createChangeRequest(t *testing.T, user, projectID string) changeRequestPayload {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/change-requests", user, map[string]any{
		"projectId":   projectID,
		"title":       "Greeting",
		"description": "Add a hello line to the README",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[changeRequestPayload](t, rec)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresUserHeader(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHENTICATED", decodeBody[errorResponse](t, rec).Error.Code)
}

func TestProjects(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "u1")
	require.Equal(t, model.DefaultBranch, p.DefaultBranch)
	require.Equal(t, "u1", p.OwnerID)

	rec := e.do(t, http.MethodGet, "/projects/"+p.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/projects/"+p.ID, "u2", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/projects", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[map[string][]projectPayload](t, rec)["items"])

	for _, url := range []string{"not a url", "file:///tmp/moaa-cr-123456", "/var/lib/other-tenant/repo.git"} {
		rec = e.do(t, http.MethodPost, "/projects", "u1", map[string]any{"name": "x", "repositoryUrl": url})
		require.Equal(t, http.StatusBadRequest, rec.Code, url)
	}
}

func TestCreateChangeRequestEnqueuesJob(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "u1")
	cr := e.createChangeRequest(t, "u1", p.ID)
	require.Equal(t, string(model.StatusPending), cr.Status)
	require.Nil(t, cr.BranchName)

	// The job key is taken, so a second enqueue is rejected as a duplicate.
	stored, err := e.store.GetChangeRequest(context.Background(), cr.ID)
	require.NoError(t, err)
	project, err := e.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	require.ErrorIs(t, e.queue.Enqueue(context.Background(), model.NewJob(stored, project)), queue.ErrDuplicate)
}

func TestCreateChangeRequestErrors(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "u1")

	cases := []struct {
		name string
		user string
		body any
		code int
	}{
		{"empty title", "u1", map[string]any{"projectId": p.ID, "title": "", "description": "d"}, http.StatusBadRequest},
		{"not owner", "u2", map[string]any{"projectId": p.ID, "title": "t", "description": "d"}, http.StatusForbidden},
		{"unknown project", "u1", map[string]any{"projectId": "nope", "title": "t", "description": "d"}, http.StatusNotFound},
		{"bad json", "u1", "[", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/change-requests", tc.user, tc.body)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestChangeRequestVisibilityAndListing(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "u1")
	first := e.createChangeRequest(t, "u1", p.ID)
	e.createChangeRequest(t, "u1", p.ID)

	rec := e.do(t, http.MethodGet, "/change-requests/"+first.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, first.ID, decodeBody[changeRequestPayload](t, rec).ID)

	rec = e.do(t, http.MethodGet, "/change-requests/"+first.ID, "u2", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/change-requests?pageSize=1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[changeRequestListPayload](t, rec)
	require.Len(t, page.Items, 1)
	require.Equal(t, 1, page.PageSize)

	rec = e.do(t, http.MethodGet, "/change-requests?projectId="+p.ID+"&status=PENDING", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[changeRequestListPayload](t, rec).Items, 2)

	rec = e.do(t, http.MethodGet, "/change-requests?status=DONE", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/change-requests?page=0", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/change-requests/"+first.ID+"/events", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[map[string][]eventPayload](t, rec)["items"]
	require.Equal(t, jobs.EventCreated, events[0].Type)
}

func TestReviewEndpoints(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "u1")
	cr := e.createChangeRequest(t, "u1", p.ID)

	rec := e.do(t, http.MethodPost, "/change-requests/"+cr.ID+"/approve", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_TRANSITION", decodeBody[errorResponse](t, rec).Error.Code)

	ctx := context.Background()
	_, err := e.store.Transition(ctx, cr.ID, []model.Status{model.StatusPending}, model.Update{Status: model.StatusProcessing})
	require.NoError(t, err)
	_, err = e.store.Transition(ctx, cr.ID, []model.Status{model.StatusProcessing}, model.Update{
		Status:      model.StatusAwaitingReview,
		BranchName:  model.StringPtr(jobs.BranchName(cr.ID)),
		DiffContent: model.StringPtr("--- a/x\n+++ b/x\n"),
	})
	require.NoError(t, err)

	rec = e.do(t, http.MethodPost, "/change-requests/"+cr.ID+"/approve", "u2", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/change-requests/"+cr.ID+"/approve", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(model.StatusApproved), decodeBody[changeRequestPayload](t, rec).Status)

	rec = e.do(t, http.MethodPost, "/change-requests/"+cr.ID+"/merge", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(model.StatusMerged), decodeBody[changeRequestPayload](t, rec).Status)

	rec = e.do(t, http.MethodPost, "/change-requests/"+cr.ID+"/reject", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/change-requests/missing/reject", "u1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
