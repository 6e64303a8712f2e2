package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/rodrwan/moaa/internal/model"
)

var _ Store = (*Postgres)(nil)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %v", model.ErrConfiguration, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDB(*poolCfg.ConnConfig.Copy())
	defer db.Close()
	locker, err := postgresLocker()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration lock: %w", err)
	}
	if err := migrate(ctx, db, goose.DialectPostgres, "postgres", locker); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

const projectColumns = `id, name, description, repository_url, default_branch, owner_id, created_at, updated_at`

const changeRequestColumns = `id, title, description, status, project_id, author_id, branch_name, diff_content,
	ai_response, error_message, pull_request_url, created_at, updated_at`

func (s *Postgres) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.DefaultBranch == "" {
		p.DefaultBranch = model.DefaultBranch
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, description, repository_url, default_branch, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+projectColumns,
		p.ID, p.Name, p.Description, p.RepositoryURL, p.DefaultBranch, p.OwnerID)
	out, err := scanPgProject(row)
	if err != nil {
		return model.Project{}, translatePgError(err, "project "+p.ID)
	}
	return out, nil
}

func (s *Postgres) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanPgProject(row)
	if err != nil {
		return model.Project{}, translatePgError(err, "project "+id)
	}
	return p, nil
}

func (s *Postgres) ListProjects(ctx context.Context, ownerID string) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE owner_id = $1
		ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		p, err := scanPgProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateChangeRequest(ctx context.Context, cr model.ChangeRequest) (model.ChangeRequest, error) {
	if !cr.Status.Valid() {
		return model.ChangeRequest{}, model.Errorf(model.ErrInvalidArgument, "unknown status %q", cr.Status)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO change_requests (id, title, description, status, project_id, author_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+changeRequestColumns,
		cr.ID, cr.Title, cr.Description, string(cr.Status), cr.ProjectID, cr.AuthorID)
	out, err := scanPgChangeRequest(row)
	if err != nil {
		return model.ChangeRequest{}, translatePgError(err, "change request "+cr.ID)
	}
	return out, nil
}

func (s *Postgres) GetChangeRequest(ctx context.Context, id string) (model.ChangeRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1`, id)
	cr, err := scanPgChangeRequest(row)
	if err != nil {
		return model.ChangeRequest{}, translatePgError(err, "change request "+id)
	}
	return cr, nil
}

func (s *Postgres) ListChangeRequests(ctx context.Context, f ListFilter) ([]model.ChangeRequest, error) {
	f = f.normalized()
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.AuthorID != "" {
		args = append(args, f.AuthorID)
		where = append(where, fmt.Sprintf("author_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChangeRequest
	for rows.Next() {
		cr, err := scanPgChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *Postgres) Transition(ctx context.Context, id string, from []model.Status, upd model.Update) (model.ChangeRequest, error) {
	fromStrings, err := statusStrings(from)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	if err := validateUpdate(upd); err != nil {
		return model.ChangeRequest{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE change_requests
		SET status           = $2,
		    branch_name      = COALESCE($3, branch_name),
		    diff_content     = COALESCE($4, diff_content),
		    ai_response      = COALESCE($5, ai_response),
		    error_message    = CASE WHEN $6 THEN NULL ELSE COALESCE($7, error_message) END,
		    pull_request_url = COALESCE($8, pull_request_url),
		    updated_at       = NOW()
		WHERE id = $1 AND status = ANY($9)
		RETURNING `+changeRequestColumns,
		id, string(upd.Status), upd.BranchName, upd.DiffContent, upd.AIResponse,
		upd.ClearErrorMessage, upd.ErrorMessage, upd.PullRequestURL, fromStrings)
	cr, err := scanPgChangeRequest(row)
	if err == nil {
		return cr, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ChangeRequest{}, fmt.Errorf("transition change request %s: %w", id, err)
	}
	current, getErr := s.GetChangeRequest(ctx, id)
	if getErr != nil {
		return model.ChangeRequest{}, getErr
	}
	return model.ChangeRequest{}, conflictError(id, current.Status, from)
}

func (s *Postgres) AddEvent(ctx context.Context, changeRequestID, eventType, payload string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO change_request_events (change_request_id, type, payload)
		VALUES ($1, $2, $3)`, changeRequestID, eventType, payload)
	if err != nil {
		return translatePgError(err, "change request "+changeRequestID)
	}
	return nil
}

func (s *Postgres) ListEvents(ctx context.Context, changeRequestID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, change_request_id, type, payload, created_at
		FROM change_request_events
		WHERE change_request_id = $1
		ORDER BY id`, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.ChangeRequestID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPgProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.RepositoryURL, &p.DefaultBranch, &p.OwnerID,
		&p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func scanPgChangeRequest(row pgx.Row) (model.ChangeRequest, error) {
	var (
		cr     model.ChangeRequest
		status string
	)
	err := row.Scan(&cr.ID, &cr.Title, &cr.Description, &status, &cr.ProjectID, &cr.AuthorID,
		&cr.BranchName, &cr.DiffContent, &cr.AIResponse, &cr.ErrorMessage, &cr.PullRequestURL,
		&cr.CreatedAt, &cr.UpdatedAt)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	if cr.Status, err = model.ParseStatus(status); err != nil {
		return model.ChangeRequest{}, err
	}
	cr.CreatedAt = cr.CreatedAt.UTC()
	cr.UpdatedAt = cr.UpdatedAt.UTC()
	return cr, nil
}

func translatePgError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Errorf(model.ErrNotFound, "%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return model.Errorf(model.ErrConflict, "%s already exists", what)
		case "23503":
			return model.Errorf(model.ErrNotFound, "%s references a missing row (%s)", what, pgErr.ConstraintName)
		case "23514":
			return model.Errorf(model.ErrInvalidArgument, "%s violates %s", what, pgErr.ConstraintName)
		}
	}
	return err
}
