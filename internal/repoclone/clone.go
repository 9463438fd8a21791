// Package repoclone materializes git repositories into preview and agent
// workspaces. Clones go through an ordered list of branch strategies so a
// repository is usable whatever its default branch is called.
package repoclone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/cmdrun"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/stringutil"
)

// stderrLimit bounds how much git stderr is carried into errors and logs.
// Credential helpers and proxies can make git failures run to many KB.
const stderrLimit = 300

func gitStderr(res cmdrun.Result) string {
	return stringutil.Ellipsize(strings.TrimSpace(res.Stderr), stderrLimit)
}

// Config holds configuration for the repository cloner.
type Config struct {
	// CloneTimeout is the total budget for materializing one repository,
	// shared by every fallback attempt. Default: 2m.
	CloneTimeout time.Duration
}

// Cloner clones and fetches repositories through the command runner.
type Cloner struct {
	cfg    Config
	runner cmdrun.Runner
	log    *logger.Logger
	// destMus maps destination path → *sync.Mutex so concurrent materialize
	// calls for the same checkout cannot race a half-finished clone.
	destMus sync.Map
}

// NewCloner creates a Cloner.
func NewCloner(cfg Config, runner cmdrun.Runner, log *logger.Logger) *Cloner {
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 2 * time.Minute
	}
	return &Cloner{
		cfg:    cfg,
		runner: runner,
		log:    log.WithFields(zap.String("component", "repoclone")),
	}
}

// strategy is one way of producing a checkout. Strategies are tried in order;
// argv may itself fail (for example when branch detection finds nothing),
// which moves on to the next entry.
type strategy struct {
	name string
	argv func(ctx context.Context, url, dest string) ([]string, error)
}

func (c *Cloner) strategies() []strategy {
	return []strategy{
		{
			name: "detected-default-branch",
			argv: func(ctx context.Context, url, dest string) ([]string, error) {
				branch, err := c.detectDefaultBranch(ctx, url)
				if err != nil {
					return nil, err
				}
				return []string{"clone", "-b", branch, url, dest}, nil
			},
		},
		{
			name: "branch-main",
			argv: func(_ context.Context, url, dest string) ([]string, error) {
				return []string{"clone", "-b", "main", url, dest}, nil
			},
		},
		{
			name: "branch-master",
			argv: func(_ context.Context, url, dest string) ([]string, error) {
				return []string{"clone", "-b", "master", url, dest}, nil
			},
		},
		{
			name: "plain",
			argv: func(_ context.Context, url, dest string) ([]string, error) {
				return []string{"clone", url, dest}, nil
			},
		},
	}
}

// Materialize makes sure dest holds a checkout of the repository at url.
// An existing checkout is fetched and reused. A fresh clone walks the branch
// strategies in order inside one shared timeout budget; the first success
// wins. Concurrent calls for the same destination are serialised.
func (c *Cloner) Materialize(ctx context.Context, url, dest string) error {
	mu := c.destMu(dest)
	mu.Lock()
	defer mu.Unlock()

	if c.hasCheckout(dest) {
		c.fetch(ctx, dest)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.ProvisionFailed("create workspace directory", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CloneTimeout)
	defer cancel()

	var lastErr error
	for _, strat := range c.strategies() {
		args, err := strat.argv(ctx, url, dest)
		if err != nil {
			c.log.Debug("clone strategy skipped",
				zap.String("strategy", strat.name), zap.Error(err))
			lastErr = err
			continue
		}

		res, err := c.runner.Run(ctx, cmdrun.Spec{Name: "git", Args: args})
		if err == nil {
			c.log.Info("repository materialized",
				zap.String("url", url),
				zap.String("dest", dest),
				zap.String("strategy", strat.name))
			return nil
		}

		lastErr = fmt.Errorf("%s: %s: %w", strat.name, gitStderr(res), err)
		c.log.Debug("clone strategy failed",
			zap.String("strategy", strat.name),
			zap.String("stderr", gitStderr(res)),
			zap.Error(err))

		// A failed clone can leave a partial directory that would poison
		// the next attempt.
		c.removePartial(dest)

		if ctx.Err() != nil {
			break
		}
	}

	return apperrors.ProvisionFailed(fmt.Sprintf("clone %s", url), lastErr)
}

// detectDefaultBranch asks the remote which branch HEAD points at.
func (c *Cloner) detectDefaultBranch(ctx context.Context, url string) (string, error) {
	res, err := c.runner.Run(ctx, cmdrun.Spec{
		Name: "git",
		Args: []string{"ls-remote", "--symref", url, "HEAD"},
	})
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %s: %w", url, gitStderr(res), err)
	}
	branch := parseSymref(res.Stdout)
	if branch == "" {
		return "", fmt.Errorf("ls-remote %s: no symref for HEAD", url)
	}
	return branch, nil
}

// parseSymref extracts the branch name from ls-remote --symref output, which
// looks like "ref: refs/heads/main\tHEAD".
func parseSymref(out string) string {
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(line, "ref: refs/heads/")
		if !ok {
			continue
		}
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func (c *Cloner) hasCheckout(dest string) bool {
	info, err := os.Stat(filepath.Join(dest, ".git"))
	return err == nil && info.IsDir()
}

// fetch refreshes an existing checkout. Failures are logged, not fatal; a
// stale checkout still serves a preview.
func (c *Cloner) fetch(ctx context.Context, dest string) {
	c.log.Debug("checkout exists, fetching", zap.String("dest", dest))
	res, err := c.runner.Run(ctx, cmdrun.Spec{
		Name:    "git",
		Args:    []string{"-C", dest, "fetch", "--all", "--prune"},
		Timeout: c.cfg.CloneTimeout,
	})
	if err != nil {
		c.log.Warn("git fetch failed",
			zap.String("dest", dest),
			zap.String("stderr", gitStderr(res)),
			zap.Error(err))
	}
}

func (c *Cloner) removePartial(dest string) {
	if err := os.RemoveAll(dest); err != nil {
		c.log.Warn("failed to remove partial clone", zap.String("dest", dest), zap.Error(err))
	}
}

// destMu returns (or lazily creates) the mutex for a destination path.
func (c *Cloner) destMu(dest string) *sync.Mutex {
	mu, _ := c.destMus.LoadOrStore(dest, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
