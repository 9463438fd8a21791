package preview

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crewdock/crewdock/internal/common/appctx"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/portalloc"
	"github.com/crewdock/crewdock/internal/container"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/preview/proxy"
	"github.com/crewdock/crewdock/internal/repoclone"
)

// eventSource identifies this component on the bus.
const eventSource = "preview-orchestrator"

// stopBudget caps a detached teardown: container stop and removal plus the
// store update.
const stopBudget = 2 * time.Minute

// ContainerName returns the deterministic container name for a team's
// preview.
func ContainerName(teamID string) string {
	return "crewdock-preview-" + teamID
}

// Config holds the preview orchestrator's knobs.
type Config struct {
	Image           string        // dev-server container image
	InternalPort    int           // dev-server port inside the container
	StartTimeout    time.Duration // budget for the container to reach running
	RestartDebounce time.Duration // pause between stop and start on restart
	StopTimeout     time.Duration // container stop grace period
	WorkspaceRoot   string        // host directory for per-team workspaces
	PublicBaseURL   string        // base of the public preview URL
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Image:           "node:20-alpine",
		InternalPort:    5173,
		StartTimeout:    30 * time.Second,
		RestartDebounce: 2 * time.Second,
		StopTimeout:     10 * time.Second,
		WorkspaceRoot:   "./data/previews",
		PublicBaseURL:   "http://localhost:8080",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.InternalPort <= 0 {
		c.InternalPort = d.InternalPort
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	// RestartDebounce is honoured as given; zero disables the pause.
	if c.RestartDebounce < 0 {
		c.RestartDebounce = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = d.PublicBaseURL
	}
	return c
}

// Orchestrator provisions and tears down per-team preview containers. One
// dev-server container per team; browsers reach it only through the team's
// dedicated reverse proxy.
type Orchestrator struct {
	cfg       Config
	store     Store
	engine    container.Engine
	allocator *portalloc.Allocator
	proxies   *proxy.Registry
	cloner    *repoclone.Cloner
	scaffold  *Generator
	eventBus  bus.EventBus
	log       *logger.Logger

	// flights collapses concurrent start calls per team onto one
	// provisioning pass; teamMus serializes start/stop/restart/health work
	// touching the same team.
	flights singleflight.Group
	teamMus sync.Map
}

// NewOrchestrator wires the preview orchestrator.
func NewOrchestrator(
	cfg Config,
	store Store,
	engine container.Engine,
	allocator *portalloc.Allocator,
	proxies *proxy.Registry,
	cloner *repoclone.Cloner,
	scaffold *Generator,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		engine:    engine,
		allocator: allocator,
		proxies:   proxies,
		cloner:    cloner,
		scaffold:  scaffold,
		eventBus:  eventBus,
		log:       log.WithFields(zap.String("component", "preview-orchestrator")),
	}
}

// StartPreview makes sure the team has a live preview and returns how to
// reach it. Concurrent calls for the same team share one provisioning pass;
// a team with a verified-running preview gets it back unchanged.
func (o *Orchestrator) StartPreview(ctx context.Context, teamID, repositoryURL string) (*PreviewInfo, error) {
	if teamID == "" {
		return nil, apperrors.BadRequest("team id is required")
	}
	if repositoryURL != "" {
		if err := repoclone.ValidateURL(repositoryURL); err != nil {
			return nil, err
		}
	}

	v, err, _ := o.flights.Do(teamID, func() (interface{}, error) {
		return o.startPreview(ctx, teamID, repositoryURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PreviewInfo), nil
}

func (o *Orchestrator) startPreview(ctx context.Context, teamID, repositoryURL string) (*PreviewInfo, error) {
	mu := o.teamMu(teamID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// A start without a repository keeps whatever the team was
		// previewing before.
		if repositoryURL == "" {
			repositoryURL = existing.RepositoryURL
		}

		if existing.Status == StatusRunning {
			info, inspectErr := o.engine.InspectContainer(ctx, existing.ContainerID)
			if inspectErr == nil && info.Running() {
				return o.reuse(ctx, existing)
			}

			o.log.Info("preview record is stale, tearing down",
				zap.String("team_id", teamID),
				zap.String("container_id", existing.ContainerID))
			o.teardownStale(ctx, existing)
			if err := o.store.Delete(ctx, teamID); err != nil {
				return nil, err
			}
		}
	}

	return o.provision(ctx, teamID, repositoryURL)
}

// reuse re-registers the proxy for a verified-running deployment and returns
// its info without touching the container.
func (o *Orchestrator) reuse(ctx context.Context, dep *Deployment) (*PreviewInfo, error) {
	proxyPort, err := o.proxies.EnsureProxy(dep.TeamID, dep.ProxyPort, dep.HostPort)
	if err != nil {
		return nil, apperrors.ProvisionFailed("start preview proxy", err)
	}
	if proxyPort != dep.ProxyPort {
		dep.ProxyPort = proxyPort
		if err := o.store.Upsert(ctx, dep); err != nil {
			return nil, err
		}
	}
	o.log.Info("preview reused",
		zap.String("team_id", dep.TeamID),
		zap.Int("host_port", dep.HostPort),
		zap.Int("proxy_port", proxyPort))
	return o.previewInfo(dep.TeamID, dep.HostPort, proxyPort), nil
}

func (o *Orchestrator) provision(ctx context.Context, teamID, repositoryURL string) (*PreviewInfo, error) {
	if err := o.engine.Ping(ctx); err != nil {
		return nil, apperrors.EngineUnavailable(err)
	}

	hostPort, err := o.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	provisioned := false
	defer func() {
		if !provisioned {
			o.allocator.Release(hostPort)
		}
	}()

	workspace, projectType, err := o.materializeWorkspace(ctx, teamID, repositoryURL)
	if err != nil {
		return nil, err
	}

	if err := o.engine.EnsureImage(ctx, o.cfg.Image); err != nil {
		return nil, apperrors.ProvisionFailed("ensure preview image", err)
	}

	name := ContainerName(teamID)
	o.removeNameConflict(ctx, name)

	spec := container.Spec{
		Name:       name,
		Image:      o.cfg.Image,
		Cmd:        []string{"sh", "-c", "npm install --no-audit --no-fund && npm run dev"},
		WorkingDir: "/app",
		// Bind mounts do not deliver inotify events into the container,
		// so the dev server must poll for changes.
		Env: []string{
			"CHOKIDAR_USEPOLLING=true",
			"WATCHPACK_POLLING=true",
		},
		Mounts: []container.Mount{{Source: workspace, Target: "/app"}},
		Ports: []container.PortBinding{{
			HostPort:      hostPort,
			ContainerPort: o.cfg.InternalPort,
		}},
		Labels: map[string]string{
			container.LabelManaged: "true",
			container.LabelTeamID:  teamID,
			container.LabelRole:    container.RolePreview,
		},
	}

	containerID, err := o.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, apperrors.ProvisionFailed("create preview container", err)
	}
	if err := o.engine.StartContainer(ctx, containerID); err != nil {
		_ = o.engine.RemoveContainer(ctx, containerID, true)
		return nil, apperrors.ProvisionFailed("start preview container", err)
	}
	if err := o.waitRunning(ctx, containerID); err != nil {
		_ = o.engine.StopContainer(ctx, containerID, o.cfg.StopTimeout)
		_ = o.engine.RemoveContainer(ctx, containerID, true)
		return nil, apperrors.ProvisionFailed("preview container failed to start", err)
	}

	proxyPort, err := o.proxies.EnsureProxy(teamID, 0, hostPort)
	if err != nil {
		_ = o.engine.StopContainer(ctx, containerID, o.cfg.StopTimeout)
		_ = o.engine.RemoveContainer(ctx, containerID, true)
		return nil, apperrors.ProvisionFailed("start preview proxy", err)
	}

	dep := &Deployment{
		TeamID:        teamID,
		ContainerID:   containerID,
		ContainerName: name,
		HostPort:      hostPort,
		InternalPort:  o.cfg.InternalPort,
		ProxyPort:     proxyPort,
		Status:        StatusRunning,
		ProjectType:   projectType,
		RepositoryURL: repositoryURL,
		WorkspacePath: workspace,
	}
	if err := o.store.Upsert(ctx, dep); err != nil {
		_ = o.proxies.StopProxy(teamID)
		_ = o.engine.StopContainer(ctx, containerID, o.cfg.StopTimeout)
		_ = o.engine.RemoveContainer(ctx, containerID, true)
		return nil, err
	}
	provisioned = true

	info := o.previewInfo(teamID, hostPort, proxyPort)
	o.publish(ctx, teamID, events.PreviewStarted,
		events.PreviewStartedData(teamID, hostPort, info.URL))

	o.log.Info("preview started",
		zap.String("team_id", teamID),
		zap.String("container_id", containerID),
		zap.String("project_type", string(projectType)),
		zap.Int("host_port", hostPort),
		zap.Int("proxy_port", proxyPort))
	return info, nil
}

// materializeWorkspace produces the project directory the container mounts:
// a clone of the team's repository, or a generated scaffold when there is
// none.
func (o *Orchestrator) materializeWorkspace(ctx context.Context, teamID, repositoryURL string) (string, ProjectType, error) {
	workspace, err := filepath.Abs(filepath.Join(o.cfg.WorkspaceRoot, teamID))
	if err != nil {
		return "", "", apperrors.ProvisionFailed("resolve workspace path", err)
	}

	if repositoryURL != "" {
		if err := o.cloner.Materialize(ctx, repositoryURL, workspace); err != nil {
			return "", "", err
		}
		return workspace, ProjectRepository, nil
	}

	if err := o.scaffold.Generate(workspace, o.cfg.InternalPort); err != nil {
		return "", "", apperrors.ProvisionFailed("generate scaffold project", err)
	}
	return workspace, ProjectScaffold, nil
}

// waitRunning polls the container until it is running, it exits, or the
// start budget runs out.
func (o *Orchestrator) waitRunning(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		info, err := o.engine.InspectContainer(ctx, containerID)
		if err == nil {
			if info.Running() {
				return nil
			}
			if info.State == "exited" || info.State == "dead" {
				return fmt.Errorf("container exited during startup (exit code %d)", info.ExitCode)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("container not running within %s", o.cfg.StartTimeout)
		case <-ticker.C:
		}
	}
}

// removeNameConflict clears a leftover container occupying our deterministic
// name, which would otherwise block creation.
func (o *Orchestrator) removeNameConflict(ctx context.Context, name string) {
	info, err := o.engine.InspectContainer(ctx, name)
	if err != nil || info == nil {
		return
	}
	o.log.Warn("removing leftover preview container",
		zap.String("container", name), zap.String("state", info.State))
	if info.Running() {
		_ = o.engine.StopContainer(ctx, info.ID, o.cfg.StopTimeout)
	}
	_ = o.engine.RemoveContainer(ctx, info.ID, true)
}

// teardownStale disposes of the remains behind a record whose container is
// gone or dead. Everything is best-effort; provisioning follows.
func (o *Orchestrator) teardownStale(ctx context.Context, dep *Deployment) {
	if err := o.proxies.StopProxy(dep.TeamID); err != nil {
		o.log.Warn("stopping stale preview proxy",
			zap.String("team_id", dep.TeamID), zap.Error(err))
	}
	if dep.ContainerID != "" {
		_ = o.engine.RemoveContainer(ctx, dep.ContainerID, true)
	}
	o.allocator.Release(dep.HostPort)
	o.allocator.Release(dep.ProxyPort)
}

// StopPreview tears the team's preview down. Safe to call when nothing is
// running.
func (o *Orchestrator) StopPreview(ctx context.Context, teamID string) error {
	mu := o.teamMu(teamID)
	mu.Lock()
	defer mu.Unlock()
	return o.stopLocked(ctx, teamID, "stopped by request")
}

func (o *Orchestrator) stopLocked(ctx context.Context, teamID, reason string) error {
	// Teardown runs detached from the caller's cancellation so a dropped
	// request cannot release ports while the container still holds them.
	ctx, cancel := appctx.Detached(ctx, stopBudget)
	defer cancel()

	dep, err := o.store.Get(ctx, teamID)
	if err != nil {
		return err
	}

	if err := o.proxies.StopProxy(teamID); err != nil {
		o.log.Warn("stopping preview proxy",
			zap.String("team_id", teamID), zap.Error(err))
	}
	if dep == nil {
		return nil
	}

	if dep.ContainerID != "" {
		if err := o.engine.StopContainer(ctx, dep.ContainerID, o.cfg.StopTimeout); err != nil {
			o.log.Debug("stop preview container",
				zap.String("container_id", dep.ContainerID), zap.Error(err))
		}
		if err := o.engine.RemoveContainer(ctx, dep.ContainerID, true); err != nil {
			o.log.Debug("remove preview container",
				zap.String("container_id", dep.ContainerID), zap.Error(err))
		}
	}
	o.allocator.Release(dep.HostPort)
	o.allocator.Release(dep.ProxyPort)

	if dep.Status != StatusStopped {
		if err := o.store.SetStatus(ctx, teamID, StatusStopped, ""); err != nil {
			return err
		}
		o.publish(ctx, teamID, events.PreviewStopped,
			events.PreviewStoppedData(teamID, reason))
		o.log.Info("preview stopped",
			zap.String("team_id", teamID), zap.String("reason", reason))
	}
	return nil
}

// RestartPreview bounces the team's preview, reusing the stored repository.
func (o *Orchestrator) RestartPreview(ctx context.Context, teamID string) (*PreviewInfo, error) {
	dep, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	repositoryURL := ""
	if dep != nil {
		repositoryURL = dep.RepositoryURL
	}

	if err := o.StopPreview(ctx, teamID); err != nil {
		return nil, err
	}

	if o.cfg.RestartDebounce > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.RestartDebounce):
		}
	}

	return o.StartPreview(ctx, teamID, repositoryURL)
}

// Status reports the persisted deployment together with the live proxy
// state.
func (o *Orchestrator) Status(ctx context.Context, teamID string) (*StatusInfo, error) {
	dep, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, apperrors.NotFound("preview deployment", teamID)
	}

	port, alive := o.proxies.GetProxyPort(teamID)
	info := &StatusInfo{Deployment: dep, ProxyPort: port, ProxyAlive: alive}
	if dep.Status == StatusRunning {
		info.URL = o.publicURL(teamID)
	}
	return info, nil
}

func (o *Orchestrator) previewInfo(teamID string, hostPort, proxyPort int) *PreviewInfo {
	return &PreviewInfo{
		TeamID:    teamID,
		Port:      hostPort,
		ProxyPort: proxyPort,
		URL:       o.publicURL(teamID),
	}
}

func (o *Orchestrator) publicURL(teamID string) string {
	return strings.TrimSuffix(o.cfg.PublicBaseURL, "/") + "/preview/" + teamID + "/"
}

func (o *Orchestrator) publish(ctx context.Context, teamID, eventType string, data map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	subject := events.BuildPreviewSubject(teamID, eventType)
	if err := o.eventBus.Publish(ctx, subject, event); err != nil {
		o.log.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("team_id", teamID),
			zap.Error(err))
	}
}

func (o *Orchestrator) teamMu(teamID string) *sync.Mutex {
	mu, _ := o.teamMus.LoadOrStore(teamID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
