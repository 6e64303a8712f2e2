package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

const JobKeyPrefix = "cr-"

// Job is the queue payload for one change request processing attempt.
type Job struct {
	ChangeRequestID string `json:"changeRequestId"`
	ProjectID       string `json:"projectId"`
	Description     string `json:"description"`
	RepositoryURL   string `json:"repositoryUrl"`
	DefaultBranch   string `json:"defaultBranch"`
}

// Key is the queue identity of the job; one live job per change request.
func (j Job) Key() string {
	return JobKeyPrefix + j.ChangeRequestID
}

func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.ChangeRequestID) == "":
		return Errorf(ErrInvalidArgument, "job: change request id is required")
	case strings.TrimSpace(j.RepositoryURL) == "":
		return Errorf(ErrInvalidArgument, "job: repository url is required")
	case strings.TrimSpace(j.DefaultBranch) == "":
		return Errorf(ErrInvalidArgument, "job: default branch is required")
	}
	return nil
}

func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("%w: decode job: %v", ErrInvalidArgument, err)
	}
	return j, j.Validate()
}

func NewJob(cr ChangeRequest, p Project) Job {
	branch := p.DefaultBranch
	if branch == "" {
		branch = DefaultBranch
	}
	return Job{
		ChangeRequestID: cr.ID,
		ProjectID:       p.ID,
		Description:     cr.Description,
		RepositoryURL:   p.RepositoryURL,
		DefaultBranch:   branch,
	}
}

// SourceFile is one repository file handed to the diff generator.
type SourceFile struct {
	Path    string
	Content string
}
