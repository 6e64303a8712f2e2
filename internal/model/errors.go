package model

import (
	"errors"
	"fmt"
)

var (
	// ErrGit covers clone, branch, commit and push failures.
	ErrGit = errors.New("git error")
	// ErrPatchApply signals a generated diff that does not apply to the tree.
	ErrPatchApply = errors.New("patch apply error")
	// ErrGeneration signals the generation service returned nothing usable.
	ErrGeneration = errors.New("generation error")
	// ErrNoResponse is a generation failure with no text in the reply.
	ErrNoResponse = fmt.Errorf("%w: no text response from model", ErrGeneration)
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrTimeout marks an external call that hit its deadline.
	ErrTimeout = errors.New("timeout")

	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflict")
)

// Errorf wraps kind with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns a short label for logs and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPatchApply):
		return "patch_apply"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	case errors.Is(err, ErrGeneration):
		return "generation"
	case errors.Is(err, ErrGit):
		return "git"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
