package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/rodrwan/moaa/internal/model"
)

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", model.ErrConfiguration)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Use one connection to avoid writer lock contention across pooled conns.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.DefaultBranch == "" {
		p.DefaultBranch = model.DefaultBranch
	}
	ts := now()
	err := s.execWithRetry(func() error {
		_, e := s.db.ExecContext(ctx, `
	INSERT INTO projects (id, name, description, repository_url, default_branch, owner_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.RepositoryURL, p.DefaultBranch, p.OwnerID, ts, ts)
		return e
	})
	if err != nil {
		return model.Project{}, translateSQLiteError(err, "project "+p.ID)
	}
	return s.GetProject(ctx, p.ID)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanSQLiteProject(row)
	if err != nil {
		return model.Project{}, translateSQLiteError(err, "project "+id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, ownerID string) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+projectColumns+`
FROM projects WHERE owner_id = ?
ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateChangeRequest(ctx context.Context, cr model.ChangeRequest) (model.ChangeRequest, error) {
	if !cr.Status.Valid() {
		return model.ChangeRequest{}, model.Errorf(model.ErrInvalidArgument, "unknown status %q", cr.Status)
	}
	ts := now()
	err := s.execWithRetry(func() error {
		_, e := s.db.ExecContext(ctx, `
	INSERT INTO change_requests (id, title, description, status, project_id, author_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cr.ID, cr.Title, cr.Description, string(cr.Status), cr.ProjectID, cr.AuthorID, ts, ts)
		return e
	})
	if err != nil {
		return model.ChangeRequest{}, translateSQLiteError(err, "change request "+cr.ID)
	}
	return s.GetChangeRequest(ctx, cr.ID)
}

func (s *SQLiteStore) GetChangeRequest(ctx context.Context, id string) (model.ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`, id)
	cr, err := scanSQLiteChangeRequest(row)
	if err != nil {
		return model.ChangeRequest{}, translateSQLiteError(err, "change request "+id)
	}
	return cr, nil
}

func (s *SQLiteStore) ListChangeRequests(ctx context.Context, f ListFilter) ([]model.ChangeRequest, error) {
	f = f.normalized()
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.AuthorID != "" {
		where = append(where, "author_id = ?")
		args = append(args, f.AuthorID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChangeRequest
	for rows.Next() {
		cr, err := scanSQLiteChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from []model.Status, upd model.Update) (model.ChangeRequest, error) {
	fromStrings, err := statusStrings(from)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	if err := validateUpdate(upd); err != nil {
		return model.ChangeRequest{}, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fromStrings)), ", ")
	args := []any{
		string(upd.Status), upd.BranchName, upd.DiffContent, upd.AIResponse,
		upd.ClearErrorMessage, upd.ErrorMessage, upd.PullRequestURL, now(), id,
	}
	for _, v := range fromStrings {
		args = append(args, v)
	}

	var cr model.ChangeRequest
	err = s.execWithRetry(func() error {
		row := s.db.QueryRowContext(ctx, `
	UPDATE change_requests
	SET status = ?,
	    branch_name = COALESCE(?, branch_name),
	    diff_content = COALESCE(?, diff_content),
	    ai_response = COALESCE(?, ai_response),
	    error_message = CASE WHEN ? THEN NULL ELSE COALESCE(?, error_message) END,
	    pull_request_url = COALESCE(?, pull_request_url),
	    updated_at = ?
	WHERE id = ? AND status IN (`+placeholders+`)
	RETURNING `+changeRequestColumns, args...)
		var e error
		cr, e = scanSQLiteChangeRequest(row)
		return e
	})
	if err == nil {
		return cr, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ChangeRequest{}, fmt.Errorf("transition change request %s: %w", id, err)
	}
	current, err := s.GetChangeRequest(ctx, id)
	if err != nil {
		return model.ChangeRequest{}, err
	}
	return model.ChangeRequest{}, conflictError(id, current.Status, from)
}

func (s *SQLiteStore) AddEvent(ctx context.Context, changeRequestID, eventType, payload string) error {
	err := s.execWithRetry(func() error {
		_, e := s.db.ExecContext(ctx, `
	INSERT INTO change_request_events(change_request_id, type, payload, created_at)
	VALUES (?, ?, ?, ?)`, changeRequestID, eventType, payload, now())
		return e
	})
	if err != nil {
		return translateSQLiteError(err, "change request "+changeRequestID)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, changeRequestID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, change_request_id, type, payload, created_at
FROM change_request_events WHERE change_request_id = ?
ORDER BY id`, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var (
			e         model.Event
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ChangeRequestID, &e.Type, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProject(row sqlScanner) (model.Project, error) {
	var (
		p                    model.Project
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.RepositoryURL, &p.DefaultBranch, &p.OwnerID,
		&createdAt, &updatedAt); err != nil {
		return model.Project{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanSQLiteChangeRequest(row sqlScanner) (model.ChangeRequest, error) {
	var (
		cr                   model.ChangeRequest
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&cr.ID, &cr.Title, &cr.Description, &status, &cr.ProjectID, &cr.AuthorID,
		&cr.BranchName, &cr.DiffContent, &cr.AIResponse, &cr.ErrorMessage, &cr.PullRequestURL,
		&createdAt, &updatedAt); err != nil {
		return model.ChangeRequest{}, err
	}
	var err error
	if cr.Status, err = model.ParseStatus(status); err != nil {
		return model.ChangeRequest{}, err
	}
	cr.CreatedAt = parseTime(createdAt)
	cr.UpdatedAt = parseTime(updatedAt)
	return cr, nil
}

func (s *SQLiteStore) execWithRetry(fn func() error) error {
	const maxAttempts = 5
	backoff := 40 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if !isSQLiteBusyErr(err) || attempt == maxAttempts {
				return err
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return nil
	}
	return lastErr
}

func isSQLiteBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "DATABASE IS LOCKED")
}

func translateSQLiteError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.Errorf(model.ErrNotFound, "%s not found", what)
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "UNIQUE CONSTRAINT"), strings.Contains(msg, "PRIMARYKEY"):
		return model.Errorf(model.ErrConflict, "%s already exists", what)
	case strings.Contains(msg, "FOREIGN KEY CONSTRAINT"):
		return model.Errorf(model.ErrNotFound, "%s references a missing row", what)
	case strings.Contains(msg, "CHECK CONSTRAINT"):
		return model.Errorf(model.ErrInvalidArgument, "%s violates a check constraint", what)
	}
	return err
}
