// Package preview orchestrates per-team live preview containers: one
// hot-reloading dev server per team, reachable only through a dedicated
// reverse proxy.
package preview

import "time"

// Status is the lifecycle state of a preview deployment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// ProjectType records what the preview serves.
type ProjectType string

const (
	// ProjectRepository is a cloned git repository.
	ProjectRepository ProjectType = "repository"
	// ProjectScaffold is a generated placeholder project used when the team
	// has no repository yet.
	ProjectScaffold ProjectType = "scaffold"
)

// Deployment is the persisted record of a team's preview. One per team; the
// team id is the primary key.
type Deployment struct {
	TeamID          string      `json:"team_id" db:"team_id"`
	ContainerID     string      `json:"container_id" db:"container_id"`
	ContainerName   string      `json:"container_name" db:"container_name"`
	HostPort        int         `json:"host_port" db:"host_port"`
	InternalPort    int         `json:"internal_port" db:"internal_port"`
	ProxyPort       int         `json:"proxy_port" db:"proxy_port"`
	Status          Status      `json:"status" db:"status"`
	ErrorMessage    string      `json:"error_message" db:"error_message"`
	ProjectType     ProjectType `json:"project_type" db:"project_type"`
	RepositoryURL   string      `json:"repository_url" db:"repository_url"`
	WorkspacePath   string      `json:"workspace_path" db:"workspace_path"`
	LastHealthCheck *time.Time  `json:"last_health_check,omitempty" db:"last_health_check"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// PreviewInfo is what callers get back from a successful start: the public
// URL is always the team-scoped path, never a raw port.
type PreviewInfo struct {
	TeamID    string `json:"team_id"`
	Port      int    `json:"port"`
	ProxyPort int    `json:"proxy_port"`
	URL       string `json:"url"`
}

// StatusInfo combines the persisted record with the live proxy state for the
// gateway's status endpoint.
type StatusInfo struct {
	Deployment *Deployment `json:"deployment"`
	ProxyPort  int         `json:"proxy_port"`
	ProxyAlive bool        `json:"proxy_alive"`
	URL        string      `json:"url,omitempty"`
}
