package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

const requestTimeout = 30 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type createPRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type createPRResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
	Message string `json:"message"`
}

func NewClient(cfg config.GitHubConfig) *Client {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// OpenPullRequest opens a pull request from the change request's branch into
// the project's default branch.
func (c *Client) OpenPullRequest(ctx context.Context, p model.Project, cr model.ChangeRequest) (string, error) {
	repo, err := RepoSlug(p.RepositoryURL)
	if err != nil {
		return "", err
	}
	head := model.Deref(cr.BranchName)
	if head == "" {
		return "", model.Errorf(model.ErrInvalidArgument, "change request %s has no branch", cr.ID)
	}
	base := p.DefaultBranch
	if base == "" {
		base = model.DefaultBranch
	}
	body := cr.Description + "\n\n---\nChange request `" + cr.ID + "`"
	return c.CreatePR(ctx, repo, cr.Title, head, base, body)
}

func (c *Client) CreatePR(ctx context.Context, repo, title, head, base, body string) (string, error) {
	if c.token == "" {
		return "", fmt.Errorf("%w: missing github token", model.ErrConfiguration)
	}
	payload := createPRRequest{Title: title, Head: head, Base: base, Body: body}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/pulls", c.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("github create pr: %w: %w", model.ErrTimeout, err)
		}
		return "", fmt.Errorf("github create pr: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("github create pr: read body: %w", err)
	}
	var out createPRResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = observability.Snippet(string(raw), 300)
		}
		return "", fmt.Errorf("github create pr failed with %d: %s", resp.StatusCode, msg)
	}
	if out.HTMLURL == "" {
		return "", fmt.Errorf("github did not return pull request url")
	}
	observability.Info("github_pr_created", observability.Fields{
		"repo":   repo,
		"head":   head,
		"number": out.Number,
	})
	return out.HTMLURL, nil
}

// RepoSlug extracts "owner/name" from an https or scp-style GitHub remote.
func RepoSlug(repositoryURL string) (string, error) {
	raw := strings.TrimSpace(repositoryURL)
	var path string
	switch {
	case strings.HasPrefix(raw, "git@"):
		_, rest, ok := strings.Cut(raw, ":")
		if !ok {
			return "", model.Errorf(model.ErrInvalidArgument, "unsupported repository url %q", raw)
		}
		path = rest
	default:
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", model.Errorf(model.ErrInvalidArgument, "unsupported repository url %q", observability.Redact(raw))
		}
		path = u.Path
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", model.Errorf(model.ErrInvalidArgument, "repository url %q is not owner/name", observability.Redact(raw))
	}
	return parts[0] + "/" + parts[1], nil
}
