package preview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
)

// Store is the persistence interface for preview deployments.
type Store interface {
	Upsert(ctx context.Context, dep *Deployment) error
	Get(ctx context.Context, teamID string) (*Deployment, error)
	ListByStatus(ctx context.Context, status Status) ([]*Deployment, error)
	SetStatus(ctx context.Context, teamID string, status Status, errMsg string) error
	TouchHealth(ctx context.Context, teamID string, at time.Time) error
	Delete(ctx context.Context, teamID string) error
}

// SQLStore implements Store on the shared database pool.
type SQLStore struct {
	db *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the preview store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("preview schema init: %w", err)
	}
	return s, nil
}

const createDeploymentsSQL = `
	CREATE TABLE IF NOT EXISTS preview_deployments (
		team_id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL DEFAULT '',
		container_name TEXT NOT NULL DEFAULT '',
		host_port INTEGER NOT NULL DEFAULT 0,
		internal_port INTEGER NOT NULL DEFAULT 0,
		proxy_port INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'stopped',
		error_message TEXT NOT NULL DEFAULT '',
		project_type TEXT NOT NULL DEFAULT 'scaffold',
		repository_url TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		last_health_check TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_preview_deployments_status ON preview_deployments(status);
`

func (s *SQLStore) initSchema() error {
	_, err := s.db.Writer().Exec(createDeploymentsSQL)
	return err
}

// Upsert inserts or replaces the deployment record for a team.
func (s *SQLStore) Upsert(ctx context.Context, dep *Deployment) error {
	now := time.Now().UTC()
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = now
	}
	dep.UpdatedAt = now
	if dep.Status == "" {
		dep.Status = StatusStopped
	}
	if dep.ProjectType == "" {
		dep.ProjectType = ProjectScaffold
	}

	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO preview_deployments (
			team_id, container_id, container_name, host_port, internal_port,
			proxy_port, status, error_message, project_type, repository_url,
			workspace_path, last_health_check, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(team_id) DO UPDATE SET
			container_id = excluded.container_id,
			container_name = excluded.container_name,
			host_port = excluded.host_port,
			internal_port = excluded.internal_port,
			proxy_port = excluded.proxy_port,
			status = excluded.status,
			error_message = excluded.error_message,
			project_type = excluded.project_type,
			repository_url = excluded.repository_url,
			workspace_path = excluded.workspace_path,
			last_health_check = excluded.last_health_check,
			updated_at = excluded.updated_at
	`), dep.TeamID, dep.ContainerID, dep.ContainerName, dep.HostPort, dep.InternalPort,
		dep.ProxyPort, dep.Status, dep.ErrorMessage, dep.ProjectType, dep.RepositoryURL,
		dep.WorkspacePath, dep.LastHealthCheck, dep.CreatedAt, dep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preview deployment: %w", err)
	}
	return nil
}

// Get fetches a team's deployment. Returns (nil, nil) when it does not exist.
func (s *SQLStore) Get(ctx context.Context, teamID string) (*Deployment, error) {
	r := s.db.Reader()
	var dep Deployment
	err := r.GetContext(ctx, &dep, r.Rebind(
		`SELECT * FROM preview_deployments WHERE team_id = ?`), teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preview deployment: %w", err)
	}
	return &dep, nil
}

// ListByStatus returns all deployments in the given status.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]*Deployment, error) {
	r := s.db.Reader()
	var deps []*Deployment
	err := r.SelectContext(ctx, &deps, r.Rebind(
		`SELECT * FROM preview_deployments WHERE status = ? ORDER BY team_id`), status)
	if err != nil {
		return nil, fmt.Errorf("list preview deployments: %w", err)
	}
	return deps, nil
}

// SetStatus updates the status and error message of a deployment.
func (s *SQLStore) SetStatus(ctx context.Context, teamID string, status Status, errMsg string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(fmt.Sprintf(
		`UPDATE preview_deployments SET status = ?, error_message = ?, updated_at = %s WHERE team_id = ?`,
		dialect.Now(w.DriverName()),
	)), status, errMsg, teamID)
	if err != nil {
		return fmt.Errorf("set preview status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set preview status: team %s not found", teamID)
	}
	return nil
}

// TouchHealth records a successful health check.
func (s *SQLStore) TouchHealth(ctx context.Context, teamID string, at time.Time) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(fmt.Sprintf(
		`UPDATE preview_deployments SET last_health_check = ?, updated_at = %s WHERE team_id = ?`,
		dialect.Now(w.DriverName()),
	)), at.UTC(), teamID)
	if err != nil {
		return fmt.Errorf("touch preview health: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("touch preview health: team %s not found", teamID)
	}
	return nil
}

// Delete removes a team's deployment record.
func (s *SQLStore) Delete(ctx context.Context, teamID string) error {
	w := s.db.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(
		`DELETE FROM preview_deployments WHERE team_id = ?`), teamID); err != nil {
		return fmt.Errorf("delete preview deployment: %w", err)
	}
	return nil
}
