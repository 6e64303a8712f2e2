package git

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/policy"
	"github.com/rodrwan/moaa/internal/runner"
)

const (
	workspacePattern = "moaa-cr-*"
	patchFileName    = "moaa.patch"
	remoteName       = "origin"
)

type Manager struct {
	cfg    config.GitConfig
	runner *runner.Runner
	policy *policy.Engine
}

// Workspace is one isolated clone, owned by a single processing attempt.
type Workspace struct {
	Path       string
	RemoteURL  string
	BaseBranch string
	Branch     string

	repo *gogit.Repository
}

func NewManager(cfg config.GitConfig, run *runner.Runner, pol *policy.Engine) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if run == nil {
		run = runner.New()
	}
	if pol == nil {
		pol = policy.NewEngine()
	}
	return &Manager{cfg: cfg, runner: run, policy: pol}
}

// Clone checks out branch of url into a fresh directory under the workspace
// root. Nothing is left on disk when it fails.
func (m *Manager) Clone(ctx context.Context, url, branch string) (*Workspace, error) {
	if err := m.checkRemote(url); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create workspace root: %v", model.ErrGit, err)
	}
	dir, err := os.MkdirTemp(m.cfg.WorkspaceRoot, workspacePattern)
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", model.ErrGit, err)
	}

	cctx, cancel := m.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	repo, err := gogit.PlainCloneContext(cctx, dir, false, &gogit.CloneOptions{
		URL:           url,
		Auth:          m.auth(url),
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         m.cfg.CloneDepth,
		Tags:          gogit.NoTags,
	})
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			observability.Warn("workspace_cleanup_failed", observability.Fields{"path": dir, "error": rmErr})
		}
		return nil, m.wrap(cctx, fmt.Sprintf("clone %s@%s", url, branch), err)
	}
	observability.Info("git_clone_ok", observability.Fields{
		"path":        dir,
		"url":         url,
		"branch":      branch,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &Workspace{Path: dir, RemoteURL: url, BaseBranch: branch, repo: repo}, nil
}

// RelevantFiles returns a bounded, path-sorted selection of the text files
// tracked at HEAD.
func (m *Manager) RelevantFiles(ctx context.Context, ws *Workspace) ([]model.SourceFile, error) {
	if ws == nil || ws.repo == nil {
		return nil, fmt.Errorf("%w: workspace is not initialized", model.ErrGit)
	}
	head, err := ws.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve HEAD: %v", model.ErrGit, err)
	}
	commit, err := ws.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: read HEAD commit: %v", model.ErrGit, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: read HEAD tree: %v", model.ErrGit, err)
	}

	var candidates []*object.File
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if (f.Mode == filemode.Regular || f.Mode == filemode.Executable) && relevant(f.Name, f.Size, m.cfg.MaxFileBytes) {
			candidates = append(candidates, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk tree: %v", model.ErrGit, err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	var (
		out   []model.SourceFile
		total int64
	)
	for _, f := range candidates {
		if m.cfg.MaxFiles > 0 && len(out) >= m.cfg.MaxFiles {
			break
		}
		if m.cfg.MaxTotalBytes > 0 && total+f.Size > m.cfg.MaxTotalBytes {
			continue
		}
		binary, err := f.IsBinary()
		if err != nil || binary {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", model.ErrGit, f.Name, err)
		}
		total += f.Size
		out = append(out, model.SourceFile{Path: f.Name, Content: content})
	}
	observability.Info("git_relevant_files", observability.Fields{
		"path":        ws.Path,
		"candidates":  len(candidates),
		"selected":    len(out),
		"total_bytes": total,
	})
	return out, nil
}

// CreateBranchAndApplyDiff creates branch from the current HEAD, applies diff
// and commits the result. A diff that is rejected, does not apply, or
// changes nothing yields model.ErrPatchApply.
func (m *Manager) CreateBranchAndApplyDiff(ctx context.Context, ws *Workspace, branch, diff string) error {
	if ws == nil || ws.repo == nil {
		return fmt.Errorf("%w: workspace is not initialized", model.ErrGit)
	}
	if strings.TrimSpace(diff) == "" {
		return fmt.Errorf("%w: diff is empty", model.ErrPatchApply)
	}
	paths := policy.DiffPaths(diff)
	if len(paths) == 0 {
		return fmt.Errorf("%w: diff names no files", model.ErrPatchApply)
	}
	if res := m.policy.Evaluate(paths); res.Decision == policy.Deny {
		return fmt.Errorf("%w: %s (%s)", model.ErrPatchApply, res.Reason, res.Path)
	}

	wt, err := ws.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: open worktree: %v", model.ErrGit, err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return fmt.Errorf("%w: create branch %s: %v", model.ErrGit, branch, err)
	}
	ws.Branch = branch

	// Kept under .git so it never shows up in the worktree and goes away
	// with the workspace.
	patchPath := filepath.Join(ws.Path, ".git", patchFileName)
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if err := os.WriteFile(patchPath, []byte(diff), 0o600); err != nil {
		return fmt.Errorf("%w: write patch: %v", model.ErrGit, err)
	}
	for _, args := range [][]string{
		{"apply", "--check", "--whitespace=nowarn", patchPath},
		{"apply", "--whitespace=nowarn", patchPath},
	} {
		if err := m.git(ctx, ws.Path, args...); err != nil {
			return err
		}
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("%w: status: %v", model.ErrGit, err)
	}
	if status.IsClean() {
		return fmt.Errorf("%w: diff produced no changes", model.ErrPatchApply)
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("%w: stage changes: %v", model.ErrGit, err)
	}
	hash, err := wt.Commit("MOAA: automated change on "+branch, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  m.cfg.AuthorName,
			Email: m.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrGit, err)
	}
	observability.Info("git_patch_committed", observability.Fields{
		"path":   ws.Path,
		"branch": branch,
		"commit": hash.String(),
		"files":  len(paths),
	})
	return nil
}

// PushBranch pushes branch to origin. It never retries.
func (m *Manager) PushBranch(ctx context.Context, ws *Workspace, branch string) error {
	if ws == nil || ws.repo == nil {
		return fmt.Errorf("%w: workspace is not initialized", model.ErrGit)
	}
	cctx, cancel := m.withTimeout(ctx)
	defer cancel()
	ref := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	err := ws.repo.PushContext(cctx, &gogit.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref)},
		Auth:       m.auth(ws.RemoteURL),
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return m.wrap(cctx, "push "+branch, err)
	}
	observability.Info("git_push_ok", observability.Fields{"path": ws.Path, "branch": branch})
	return nil
}

// Cleanup removes the workspace. Failures are logged and swallowed so they
// never replace the outcome of the attempt.
func (m *Manager) Cleanup(ws *Workspace) {
	if ws == nil || ws.Path == "" {
		return
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		observability.Warn("workspace_cleanup_failed", observability.Fields{"path": ws.Path, "error": err})
		return
	}
	observability.Debug("workspace_removed", observability.Fields{"path": ws.Path})
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	op := strings.Join(args[:min(2, len(args))], " ")
	res, err := m.runner.Run(ctx, runner.Spec{
		Dir:              dir,
		Bin:              m.cfg.Binary,
		Args:             args,
		ExecutionTimeout: m.cfg.Timeout,
	}, func(line string) {
		observability.Debug("git_output", observability.Fields{"op": op, "line": line})
	})
	if err != nil {
		if errors.Is(err, model.ErrTimeout) {
			return fmt.Errorf("%w: %w: git %s", model.ErrPatchApply, err, op)
		}
		return fmt.Errorf("%w: git %s: %v", model.ErrGit, op, err)
	}
	if res.ExitErr != nil {
		return fmt.Errorf("%w: git %s: %s", model.ErrPatchApply, op, runner.Tail(res.CombinedOutput, 8, 800))
	}
	return nil
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.Timeout)
}

// checkRemote accepts network remotes only, unless local repositories are
// explicitly allowed. Local paths would expose the worker's filesystem,
// including other workspaces, to whoever registers the project.
func (m *Manager) checkRemote(url string) error {
	if m.cfg.AllowLocal || IsNetworkRemote(url) {
		return nil
	}
	return fmt.Errorf("%w: %w: remote %q is not an http(s), ssh or git@ URL", model.ErrGit, model.ErrInvalidArgument, observability.Redact(url))
}

// IsNetworkRemote reports whether url is an http(s), ssh or scp-style
// (git@host:path) remote.
func IsNetworkRemote(url string) bool {
	if strings.HasPrefix(url, "git@") {
		host, path, ok := strings.Cut(strings.TrimPrefix(url, "git@"), ":")
		return ok && host != "" && path != "" && !strings.Contains(host, "/")
	}
	u, err := neturl.Parse(url)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh":
		return u.Host != "" && strings.Trim(u.Path, "/") != ""
	}
	return false
}

func (m *Manager) auth(url string) transport.AuthMethod {
	if m.cfg.Token == "" {
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: m.cfg.Token}
}

func (m *Manager) wrap(ctx context.Context, op string, err error) error {
	msg := observability.Redact(err.Error())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: git %s: %s", model.ErrGit, model.ErrTimeout, op, msg)
	}
	return fmt.Errorf("%w: git %s: %s", model.ErrGit, op, msg)
}
