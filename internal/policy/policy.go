package policy

import (
	"bufio"
	"path"
	"strings"
)

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

type Result struct {
	Decision Decision
	Reason   string
	Path     string
}

// Engine vets the paths a generated diff wants to touch before the patch is
// applied to a workspace.
type Engine struct {
	denyPrefixes  []string
	denyFragments []string
}

func NewEngine() *Engine {
	return &Engine{
		denyPrefixes: []string{
			".git/",
			".github/workflows/",
		},
		denyFragments: []string{
			"/.git/",
			"\x00",
		},
	}
}

// Evaluate returns the first denial among paths, or Allow.
func (e *Engine) Evaluate(paths []string) Result {
	for _, p := range paths {
		if r := e.evaluatePath(p); r.Decision == Deny {
			return r
		}
	}
	return Result{Decision: Allow}
}

func (e *Engine) evaluatePath(p string) Result {
	if strings.TrimSpace(p) == "" {
		return Result{Decision: Deny, Reason: "empty path in diff", Path: p}
	}
	if path.IsAbs(p) {
		return Result{Decision: Deny, Reason: "absolute path in diff", Path: p}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return Result{Decision: Deny, Reason: "path escapes repository", Path: p}
	}
	if clean == ".git" {
		return Result{Decision: Deny, Reason: "path touches git metadata", Path: p}
	}
	for _, d := range e.denyPrefixes {
		if strings.HasPrefix(clean, d) {
			return Result{Decision: Deny, Reason: "path is protected: " + d, Path: p}
		}
	}
	for _, d := range e.denyFragments {
		if strings.Contains("/"+clean, d) {
			return Result{Decision: Deny, Reason: "path is protected", Path: p}
		}
	}
	return Result{Decision: Allow, Path: p}
}

// DiffPaths returns the old and new file paths named by the ---/+++ header
// pairs of a unified diff, without the a/ b/ prefixes and without /dev/null.
func DiffPaths(diff string) []string {
	var (
		out  []string
		seen = map[string]bool{}
		prev string
	)
	add := func(header string) {
		p := headerPath(header)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "+++ ") && strings.HasPrefix(prev, "--- ") {
			add(prev[4:])
			add(line[4:])
		}
		prev = line
	}
	return out
}

func headerPath(v string) string {
	if i := strings.IndexByte(v, '\t'); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSpace(v)
	if v == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(v, "a/") || strings.HasPrefix(v, "b/") {
		v = v[2:]
	}
	return v
}
