// Package health reconciles persisted preview deployments against the
// container engine. Containers die outside our control (OOM kills, engine
// restarts, manual docker rm); the checker notices, cleans up, and keeps the
// records truthful.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/portalloc"
	"github.com/crewdock/crewdock/internal/container"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/preview"
	"github.com/crewdock/crewdock/internal/preview/proxy"
)

// DeadContainerReason is recorded on deployments whose container disappeared
// or stopped running between checks.
const DeadContainerReason = "Container not found or inaccessible"

const eventSource = "preview-health"

// Config holds the checker's knobs.
type Config struct {
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Checker periodically inspects every running preview deployment. Alive
// containers get their health timestamp refreshed and their proxy restored if
// the process restarted underneath it; dead containers are reaped and their
// records moved to stopped.
type Checker struct {
	cfg       Config
	store     preview.Store
	engine    container.Engine
	proxies   *proxy.Registry
	allocator *portalloc.Allocator
	eventBus  bus.EventBus
	log       *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewChecker wires the health checker.
func NewChecker(
	cfg Config,
	store preview.Store,
	engine container.Engine,
	proxies *proxy.Registry,
	allocator *portalloc.Allocator,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Checker {
	return &Checker{
		cfg:       cfg.withDefaults(),
		store:     store,
		engine:    engine,
		proxies:   proxies,
		allocator: allocator,
		eventBus:  eventBus,
		log:       log.WithFields(zap.String("component", "preview-health")),
		stopCh:    make(chan struct{}),
	}
}

// Start runs one reconciliation sweep synchronously, then keeps sweeping on
// the configured interval until Stop. The startup sweep reattaches proxies
// for containers that survived a process restart.
func (c *Checker) Start(ctx context.Context) error {
	if err := c.RunOnce(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.loop()
	c.log.Info("preview health checker started",
		zap.Duration("interval", c.cfg.Interval))
	return nil
}

// Stop terminates the sweep loop and waits for it to exit.
func (c *Checker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.log.Info("preview health checker stopped")
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.RunOnce(context.Background()); err != nil {
				c.log.Error("health sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps every running deployment. Per-deployment failures are logged
// and skipped so one bad record cannot starve the rest.
func (c *Checker) RunOnce(ctx context.Context) error {
	deps, err := c.store.ListByStatus(ctx, preview.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running previews: %w", err)
	}

	for _, dep := range deps {
		c.checkDeployment(ctx, dep)
	}
	return nil
}

func (c *Checker) checkDeployment(ctx context.Context, dep *preview.Deployment) {
	info, err := c.engine.InspectContainer(ctx, dep.ContainerID)
	if err == nil && info.Running() {
		c.markHealthy(ctx, dep)
		return
	}
	c.reapDead(ctx, dep)
}

func (c *Checker) markHealthy(ctx context.Context, dep *preview.Deployment) {
	if err := c.store.TouchHealth(ctx, dep.TeamID, time.Now()); err != nil {
		c.log.Warn("failed to record health check",
			zap.String("team_id", dep.TeamID), zap.Error(err))
	}
	if dep.ErrorMessage != "" {
		if err := c.store.SetStatus(ctx, dep.TeamID, preview.StatusRunning, ""); err != nil {
			c.log.Warn("failed to clear preview error",
				zap.String("team_id", dep.TeamID), zap.Error(err))
		}
	}

	if _, alive := c.proxies.GetProxyPort(dep.TeamID); alive {
		return
	}
	c.restoreProxy(ctx, dep)
}

// restoreProxy brings a missing proxy back, preferring the persisted port so
// anything holding the old URL keeps working across process restarts.
func (c *Checker) restoreProxy(ctx context.Context, dep *preview.Deployment) {
	listenPort := dep.ProxyPort
	if listenPort > 0 {
		if err := c.allocator.AllocateSpecific(listenPort); err != nil {
			c.log.Warn("persisted proxy port unavailable, falling back to ephemeral",
				zap.String("team_id", dep.TeamID),
				zap.Int("proxy_port", listenPort),
				zap.Error(err))
			listenPort = 0
		}
	}

	port, err := c.proxies.EnsureProxy(dep.TeamID, listenPort, dep.HostPort)
	if err != nil {
		if listenPort > 0 {
			c.allocator.Release(listenPort)
		}
		c.log.Error("failed to restore preview proxy",
			zap.String("team_id", dep.TeamID), zap.Error(err))
		return
	}

	if port != dep.ProxyPort {
		dep.ProxyPort = port
		if err := c.store.Upsert(ctx, dep); err != nil {
			c.log.Warn("failed to persist restored proxy port",
				zap.String("team_id", dep.TeamID), zap.Error(err))
		}
	}
	c.log.Info("preview proxy restored",
		zap.String("team_id", dep.TeamID),
		zap.Int("proxy_port", port),
		zap.Int("host_port", dep.HostPort))
}

func (c *Checker) reapDead(ctx context.Context, dep *preview.Deployment) {
	c.log.Info("preview container dead, reaping",
		zap.String("team_id", dep.TeamID),
		zap.String("container_id", dep.ContainerID))

	if err := c.proxies.StopProxy(dep.TeamID); err != nil {
		c.log.Warn("failed to stop proxy for dead preview",
			zap.String("team_id", dep.TeamID), zap.Error(err))
	}
	if dep.ContainerID != "" {
		// The container is usually already gone; removal just catches
		// the stopped-but-present case.
		_ = c.engine.RemoveContainer(ctx, dep.ContainerID, true)
	}
	c.allocator.Release(dep.HostPort)
	c.allocator.Release(dep.ProxyPort)

	if err := c.store.SetStatus(ctx, dep.TeamID, preview.StatusStopped, DeadContainerReason); err != nil {
		// Leave the record as is; the next sweep retries the whole
		// teardown, which is safe to repeat.
		c.log.Error("failed to mark preview stopped",
			zap.String("team_id", dep.TeamID), zap.Error(err))
		return
	}

	c.publish(ctx, dep.TeamID, events.PreviewHealthDegraded,
		events.PreviewHealthDegradedData(dep.TeamID, dep.ContainerID, DeadContainerReason))
	c.publish(ctx, dep.TeamID, events.PreviewStopped,
		events.PreviewStoppedData(dep.TeamID, DeadContainerReason))
}

func (c *Checker) publish(ctx context.Context, teamID, eventType string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	subject := events.BuildPreviewSubject(teamID, eventType)
	if err := c.eventBus.Publish(ctx, subject, event); err != nil {
		c.log.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("team_id", teamID),
			zap.Error(err))
	}
}
