package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

//go:embed migrations
var migrations embed.FS

// Store persists projects, change requests and their audit events. Every
// status write goes through Transition, a single guarded UPDATE.
type Store interface {
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]model.Project, error)

	CreateChangeRequest(ctx context.Context, cr model.ChangeRequest) (model.ChangeRequest, error)
	GetChangeRequest(ctx context.Context, id string) (model.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, f ListFilter) ([]model.ChangeRequest, error)
	// Transition applies upd only while the record's status is one of from.
	// It returns model.ErrNotFound for an unknown id and model.ErrConflict
	// when the status no longer matches.
	Transition(ctx context.Context, id string, from []model.Status, upd model.Update) (model.ChangeRequest, error)

	AddEvent(ctx context.Context, changeRequestID, eventType, payload string) error
	ListEvents(ctx context.Context, changeRequestID string) ([]model.Event, error)

	Ping(ctx context.Context) error
	Close() error
}

type ListFilter struct {
	ProjectID string
	AuthorID  string
	Status    model.Status
	Limit     int
	Offset    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Open picks the backend from the DSN scheme: postgres:// or postgresql://
// for Postgres, sqlite:// or file: for SQLite. Migrations are applied before
// it returns.
func Open(ctx context.Context, dsn string, maxConns int32) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn, maxConns)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "file:"))
	default:
		return nil, fmt.Errorf("%w: unsupported DATABASE_URL scheme", model.ErrConfiguration)
	}
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, opts ...goose.ProviderOption) error {
	fsys, err := fs.Sub(migrations, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys, opts...)
	if err != nil {
		return fmt.Errorf("migrations provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: version: %w", dir, err)
	}
	observability.Info("storage_migrated", observability.Fields{
		"dialect": dir,
		"applied": len(results),
		"version": version,
	})
	return nil
}

func postgresLocker() (goose.ProviderOption, error) {
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, err
	}
	return goose.WithSessionLocker(locker), nil
}

func statusStrings(from []model.Status) ([]string, error) {
	if len(from) == 0 {
		return nil, model.Errorf(model.ErrInvalidArgument, "transition needs at least one source status")
	}
	out := make([]string, 0, len(from))
	for _, s := range from {
		if !s.Valid() {
			return nil, model.Errorf(model.ErrInvalidArgument, "unknown status %q", s)
		}
		out = append(out, string(s))
	}
	return out, nil
}

func validateUpdate(upd model.Update) error {
	if !upd.Status.Valid() {
		return model.Errorf(model.ErrInvalidArgument, "unknown status %q", upd.Status)
	}
	if upd.Status == model.StatusAwaitingReview && (upd.BranchName == nil || upd.DiffContent == nil) {
		return model.Errorf(model.ErrInvalidArgument, "%s requires a branch name and a diff", upd.Status)
	}
	return nil
}

func conflictError(id string, current model.Status, from []model.Status) error {
	return model.Errorf(model.ErrConflict, "change request %s is %s, expected one of %v", id, current, from)
}
