// Package worktree creates and destroys the per-job working trees that
// hold the review-rules project and every project under review.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/reviewd/diff"
	"github.com/c360studio/reviewd/retry"
)

// ProjectInfo identifies one repository at an exact revision.
type ProjectInfo struct {
	Remote   string
	Project  string
	Revision string
}

// ExtractProjectInfo derives the checkout target from a fetched diff:
// the project is pinned at the PR base revision.
func ExtractProjectInfo(d *diff.Diff) ProjectInfo {
	return ProjectInfo{
		Remote:   d.Remote,
		Project:  d.Project,
		Revision: d.Summary.BaseSHA,
	}
}

// Manager populates and cleans per-job working trees.
type Manager struct {
	rulesProject string
	logger       *slog.Logger

	// remoteURL builds the clone URL; tests point it at local repos.
	remoteURL func(remote, project string) string

	retryUnit  time.Duration
	retryTries int
}

// NewManager creates a Manager that checks the rules project out under
// the given directory name inside each worktree.
func NewManager(rulesProject string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rulesProject: rulesProject,
		logger:       logger,
		remoteURL: func(remote, project string) string {
			return fmt.Sprintf("https://%s/%s.git", remote, project)
		},
		retryUnit:  retry.DefaultUnit,
		retryTries: retry.DefaultTries,
	}
}

// Populate materialises wd: the rules project under its fixed name and
// every reviewed project under its own name, each shallow-fetched at
// the requested revision.
func (m *Manager) Populate(ctx context.Context, wd string, rulesInfo ProjectInfo, projects []ProjectInfo) error {
	if _, err := os.Stat(wd); err != nil {
		return fmt.Errorf("working directory %s does not exist: %w", wd, err)
	}

	rulesRoot := filepath.Join(wd, m.rulesProject)
	if err := os.Mkdir(rulesRoot, 0o755); err != nil {
		return fmt.Errorf("create rules project root: %w", err)
	}
	if err := m.initProjectAt(ctx, rulesRoot, rulesInfo); err != nil {
		return err
	}

	for _, info := range projects {
		root := filepath.Join(wd, info.Project)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create project root %s: %w", root, err)
		}
		if err := m.initProjectAt(ctx, root, info); err != nil {
			return err
		}
	}

	return nil
}

// Clean destroys the worktree, ignoring not-found errors.
func (m *Manager) Clean(wd string) {
	if err := os.RemoveAll(wd); err != nil {
		m.logger.Warn("failed to clean worktree", "wd", wd, "error", err)
	}
}

func (m *Manager) initProjectAt(ctx context.Context, root string, info ProjectInfo) error {
	url := m.remoteURL(info.Remote, info.Project)

	if _, err := runGit(ctx, root, "init"); err != nil {
		return fmt.Errorf("git init %s: %w", root, err)
	}
	if _, err := runGit(ctx, root, "remote", "add", "origin", url); err != nil {
		return fmt.Errorf("git remote add %s: %w", url, err)
	}

	err := retry.DoWith(ctx, m.retryUnit, m.retryTries, func() error {
		if _, err := runGit(ctx, root, "fetch", "origin", info.Revision, "--depth=1"); err != nil {
			m.logger.Info("git fetch failed, retrying",
				"root", root, "revision", info.Revision, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("git fetch %s at %s: %w", url, info.Revision, err)
	}

	if _, err := runGit(ctx, root, "checkout", info.Revision); err != nil {
		return fmt.Errorf("git checkout %s: %w", info.Revision, err)
	}

	return nil
}

// Revision returns the HEAD commit of the repository at root.
func Revision(ctx context.Context, root string) (string, error) {
	out, err := runGit(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD in %s: %w", root, err)
	}
	return strings.TrimSpace(out), nil
}

// runGit executes a git command in the given directory.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}
