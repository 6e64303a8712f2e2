package api

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rodrwan/moaa/internal/git"
	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/model"
)

const (
	maxProjectName  = 100
	defaultPageSize = 20
	maxPageSize     = 100
)

type createProjectRequest struct {
	Name          string  `json:"name"`
	Description   *string `json:"description"`
	RepositoryURL string  `json:"repositoryUrl"`
	DefaultBranch string  `json:"defaultBranch"`
}

func (p createProjectRequest) validate() error {
	if n := utf8.RuneCountInString(strings.TrimSpace(p.Name)); n == 0 || n > maxProjectName {
		return errors.New("name must be 1..100 characters")
	}
	if !git.IsNetworkRemote(strings.TrimSpace(p.RepositoryURL)) {
		return errors.New("repositoryUrl must be an http(s), ssh or git@ URL")
	}
	if strings.ContainsAny(p.DefaultBranch, " ~^:?*[\\") {
		return errors.New("defaultBranch is not a valid branch name")
	}
	return nil
}

func (p createProjectRequest) toDomain(id, ownerID string) model.Project {
	return model.Project{
		ID:            id,
		Name:          strings.TrimSpace(p.Name),
		Description:   p.Description,
		RepositoryURL: strings.TrimSpace(p.RepositoryURL),
		DefaultBranch: strings.TrimSpace(p.DefaultBranch),
		OwnerID:       ownerID,
	}
}

type createChangeRequestRequest struct {
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (c createChangeRequestRequest) toIntake() jobs.CreateChangeRequest {
	return jobs.CreateChangeRequest{ProjectID: c.ProjectID, Title: c.Title, Description: c.Description}
}

// pagination reads page (1-based) and pageSize from the query string.
func pagination(q url.Values) (page, size int, err error) {
	page, size = 1, defaultPageSize
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 || size > maxPageSize {
			return 0, 0, errors.New("pageSize must be 1..100")
		}
	}
	return page, size, nil
}
