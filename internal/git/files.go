package git

import (
	"path"
	"strings"
)

var excludedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"target":       true,
	"coverage":     true,
	"__pycache__":  true,
	".venv":        true,
	".idea":        true,
	".vscode":      true,
}

var lockFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"go.sum":            true,
	"Cargo.lock":        true,
	"poetry.lock":       true,
	"composer.lock":     true,
	"Gemfile.lock":      true,
	"Pipfile.lock":      true,
	"bun.lockb":         true,
}

var textExtensions = map[string]bool{
	".go": true, ".mod": true,
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true, ".swift": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true, ".cs": true,
	".php": true, ".scala": true, ".sh": true, ".sql": true, ".prisma": true,
	".html": true, ".css": true, ".scss": true, ".vue": true, ".svelte": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".md": true, ".txt": true, ".proto": true, ".graphql": true,
}

var textBaseNames = map[string]bool{
	"Makefile":      true,
	"Dockerfile":    true,
	"README":        true,
	"LICENSE":       true,
	".gitignore":    true,
	".editorconfig": true,
}

// relevant reports whether a tracked file should be offered to the model.
// name is slash separated and relative to the repository root.
func relevant(name string, size, maxFileBytes int64) bool {
	if size <= 0 || (maxFileBytes > 0 && size > maxFileBytes) {
		return false
	}
	dir, base := path.Split(name)
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if excludedDirs[part] {
			return false
		}
	}
	if lockFiles[base] || strings.HasSuffix(base, ".min.js") || strings.HasSuffix(base, ".min.css") {
		return false
	}
	if textBaseNames[base] {
		return true
	}
	return textExtensions[strings.ToLower(path.Ext(base))]
}
