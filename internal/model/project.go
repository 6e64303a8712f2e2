package model

import "time"

const DefaultBranch = "main"

type Project struct {
	ID            string
	Name          string
	Description   *string
	RepositoryURL string
	DefaultBranch string
	OwnerID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
