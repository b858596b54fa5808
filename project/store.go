package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/stack"
)

// Store persists project records.
type Store interface {
	// Put creates or replaces a project.
	Put(ctx context.Context, p *Project) error

	// Get returns a project by id, or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*Project, error)

	// List returns all projects ordered by creation time.
	List(ctx context.Context) ([]*Project, error)

	// Delete removes a project. Deleting an unknown id is a NOT_FOUND error.
	Delete(ctx context.Context, id string) error

	// Close releases the store.
	Close() error
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY
	// inside this process.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads from other processes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init project schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		workspace    TEXT NOT NULL,
		tech_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		port         INTEGER NOT NULL DEFAULT 0,
		container_id TEXT NOT NULL DEFAULT '',
		config       TEXT NOT NULL DEFAULT '{}',
		metrics      TEXT NOT NULL DEFAULT '{}',
		last_started DATETIME,
		last_stopped DATETIME,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);

	DROP INDEX IF EXISTS idx_projects_name;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_unique_name ON projects(name);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isConstraint reports whether err is a SQLite constraint violation on
// column.
func isConstraint(err error, column string) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(serr.Error(), column)
}

// nameTaken builds the PROJECT_EXISTS error for a Put that lost a race for
// p.Name, naming the winner when it can be read.
func (s *SQLiteStore) nameTaken(ctx context.Context, p *Project, cause error) error {
	e := &errdefs.Error{
		Code:      errdefs.ProjectExists,
		ProjectID: p.ID,
		Message:   fmt.Sprintf("a project named %q is already registered", p.Name),
		Err:       cause,
	}
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM projects WHERE name = ?`, p.Name).Scan(&id); err == nil {
		e.Owner = &errdefs.Owner{ProjectID: id, ProjectName: p.Name}
	}
	return e
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts p in a single statement.
func (s *SQLiteStore) Put(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}

	config, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects
		 (id, name, workspace, tech_type, status, port, container_id, config, metrics,
		  last_started, last_stopped, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   workspace = excluded.workspace,
		   tech_type = excluded.tech_type,
		   status = excluded.status,
		   port = excluded.port,
		   container_id = excluded.container_id,
		   config = excluded.config,
		   metrics = excluded.metrics,
		   last_started = excluded.last_started,
		   last_stopped = excluded.last_stopped,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Workspace, string(p.Type), string(p.Status), p.Port, p.ContainerID,
		string(config), string(metrics),
		nullTime(p.LastStarted), nullTime(p.LastStopped), p.LastError,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if isConstraint(err, "projects.name") {
			return s.nameTaken(ctx, p, err)
		}
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, name, workspace, tech_type, status, port, container_id, config, metrics,
	last_started, last_stopped, last_error, created_at, updated_at FROM projects`

// Get returns the project with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errdefs.Error{Code: errdefs.NotFound, ProjectID: id, Message: "project not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	return p, nil
}

// List returns every project, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Delete removes the project with the given id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errdefs.Error{Code: errdefs.NotFound, ProjectID: id, Message: "project not found"}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var (
		p                        Project
		techType, status         string
		config, metrics          string
		lastStarted, lastStopped sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Workspace, &techType, &status, &p.Port, &p.ContainerID,
		&config, &metrics, &lastStarted, &lastStopped, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Type = stack.Type(techType)
	p.Status = Status(status)
	if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
		return nil, fmt.Errorf("decode config of project %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of project %s: %w", p.ID, err)
	}
	if lastStarted.Valid {
		p.LastStarted = lastStarted.Time
	}
	if lastStopped.Valid {
		p.LastStopped = lastStopped.Time
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
