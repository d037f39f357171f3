package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/reviewd/diff"
	"github.com/c360studio/reviewd/patch"
	"github.com/c360studio/reviewd/rules"
	"github.com/c360studio/reviewd/taskinfo"
	"github.com/c360studio/reviewd/worktree"
)

// Hidden subdirectories of the worktree holding emitted patch bodies
// and their analyzer contexts.
const (
	contentDir = ".content.d"
	contextDir = ".context.d"
)

// prepareTasks plans one review task per (project diff, applicable
// rule) pair. Identical patch content is emitted once per job and
// shared across tasks; contexts follow their patch.
func (e *Engine) prepareTasks(jobID, wd string, loaded []rules.Rule, diffs []*diff.Diff) ([]DevagentTask, error) {
	var tasks []DevagentTask

	// Keyed by content hash so rules reviewing the same patch, and
	// distinct PRs carrying identical diffs, share one file.
	emitted := make(map[string]string)
	contexts := make(map[string]string)

	for _, d := range diffs {
		applicable := applicableRules(loaded, d)
		if len(applicable) == 0 {
			continue
		}

		combined := combineDiff(d)
		sum := sha256.Sum256([]byte(combined))
		hash := hex.EncodeToString(sum[:])

		patchPath, ok := emitted[hash]
		if !ok {
			var err error
			patchPath, err = emitFile(wd, contentDir, jobID, combined)
			if err != nil {
				return nil, err
			}
			emitted[hash] = patchPath
		}

		contextPath, ok := contexts[hash]
		if !ok {
			summary := ""
			if report, err := patch.AnalyzeBytes([]byte(combined)); err == nil {
				summary = report.ContextSummary()
			} else {
				e.logger.Warn("patch analysis failed, reviewing without context",
					"job_id", jobID, "project", d.Project, "error", err)
			}
			var err error
			contextPath, err = emitFile(wd, contextDir, jobID, summary)
			if err != nil {
				return nil, err
			}
			contexts[hash] = contextPath
		}

		for _, rule := range applicable {
			tasks = append(tasks, DevagentTask{
				WD:          wd,
				Project:     d.Project,
				PatchPath:   patchPath,
				ContextPath: contextPath,
				RulePath:    rules.Abspath(wd, RulesDirName, rule.Name),
				RuleDirs:    rule.Dirs,
				RuleSkip:    rule.Skip,
				RuleOnce:    rule.Once,
			})
		}
	}

	return tasks, nil
}

// applicableRules keeps the rules covering at least one changed file of
// the diff, files addressed as <project>/<path>.
func applicableRules(loaded []rules.Rule, d *diff.Diff) []rules.Rule {
	var applicable []rules.Rule
	for _, rule := range loaded {
		for _, f := range d.Files {
			if rule.Applicable(d.Project + "/" + f.Path) {
				applicable = append(applicable, rule)
				break
			}
		}
	}
	return applicable
}

// combineDiff joins the per-file diffs into one reviewable patch body.
func combineDiff(d *diff.Diff) string {
	parts := make([]string, len(d.Files))
	for i, f := range d.Files {
		parts[i] = f.Diff
	}
	return strings.Join(parts, "\n\n")
}

// emitFile writes content into a job-prefixed temp file under
// wd/subdir and returns its path.
func emitFile(wd, subdir, jobID, content string) (string, error) {
	dir := filepath.Join(wd, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, jobID+"_*")
	if err != nil {
		return "", fmt.Errorf("emit file under %s: %w", dir, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}

// buildTaskInfo assembles the job's metadata bundle: revisions of the
// rules project, the review tool, and every reviewed project, plus
// patch bodies, contexts, and rule-to-patch bindings.
func (e *Engine) buildTaskInfo(ctx context.Context, jobID, wd string, tasks []DevagentTask) (taskinfo.Bundle, error) {
	bundle := taskinfo.Bundle{taskinfo.TaskIDKey: jobID}

	rulesRev, err := worktree.Revision(ctx, filepath.Join(wd, RulesDirName))
	if err != nil {
		return nil, err
	}
	bundle[taskinfo.RulesRevisionKey()] = rulesRev

	devagentRev := "unknown"
	if root := e.cfg.Review.DevagentRoot; root != "" {
		devagentRev, err = worktree.Revision(ctx, root)
		if err != nil {
			return nil, err
		}
	}
	bundle[taskinfo.DevagentRevisionKey()] = devagentRev

	for i := range tasks {
		task := &tasks[i]

		revKey := taskinfo.ProjectRevisionKey(task.Project)
		if _, ok := bundle[revKey]; !ok {
			rev, err := worktree.Revision(ctx, filepath.Join(wd, task.Project))
			if err != nil {
				return nil, err
			}
			bundle[revKey] = rev
		}

		patchName := filepath.Base(task.PatchPath)
		if _, ok := bundle[taskinfo.PatchContentKey(patchName)]; !ok {
			content, err := os.ReadFile(task.PatchPath)
			if err != nil {
				return nil, fmt.Errorf("read emitted patch: %w", err)
			}
			bundle[taskinfo.PatchContentKey(patchName)] = string(content)

			summary, err := os.ReadFile(task.ContextPath)
			if err != nil {
				return nil, fmt.Errorf("read emitted context: %w", err)
			}
			bundle[taskinfo.PatchContextKey(patchName)] = string(summary)
		}

		bundle[rules.CanonicalName(task.RulePath)] = patchName
	}

	return bundle, nil
}
