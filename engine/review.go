package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/c360studio/reviewd/broker"
	"github.com/c360studio/reviewd/rules"
)

// WorkerGetRange partitions n tasks across size shards: shard index
// gets the half-open range [start, end). The first n%size shards carry
// one extra task, so the shards cover [0, n) exactly once.
func WorkerGetRange(n, index, size int) (start, end int, err error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("group size must be positive, got %d", size)
	}
	if index < 0 || index >= size {
		return 0, 0, fmt.Errorf("group index %d out of range [0, %d)", index, size)
	}

	per, rem := n/size, n%size
	start = index*per + min(index, rem)
	end = start + per
	if index < rem {
		end++
	}
	return start, end, nil
}

// handleReviewShard runs this shard's slice of the job's tasks and
// returns the filtered per-task results.
func (e *Engine) handleReviewShard(ctx context.Context, task *broker.Task) (any, error) {
	var args ReviewShardArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return nil, fmt.Errorf("decode shard args: %w", err)
	}

	start, end, err := WorkerGetRange(len(args.Tasks), args.GroupIndex, args.GroupSize)
	if err != nil {
		return nil, err
	}

	results := make([]ReviewPatchResult, 0, end-start)
	for i := start; i < end; i++ {
		res, err := e.reviewPatch(ctx, &args.Tasks[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *FilterViolations(res, &args.Tasks[i]))
	}

	e.logger.Info("review shard finished",
		"job_id", args.JobID, "shard", args.GroupIndex, "tasks", end-start)
	return results, nil
}

// reviewPatch invokes the external review tool once. Diagnostic output
// becomes an error result; findings get the canonical rule name and
// its URL before filtering.
func (e *Engine) reviewPatch(ctx context.Context, task *DevagentTask) (*ReviewPatchResult, error) {
	canonical := rules.CanonicalName(task.RulePath)

	var args []string
	if task.ContextPath != "" {
		args = append(args, "--context", task.ContextPath)
	}
	args = append(args, "review", "--json", "--rule", task.RulePath, task.PatchPath)

	cmd := exec.CommandContext(ctx, e.cfg.Review.DevagentBin, args...)
	cmd.Dir = filepath.Join(task.WD, task.Project)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// The tool reports review-level problems on stderr and still exits;
	// treat those as data. A run with no output at all is our failure.
	if stderr.Len() > 0 && strings.Contains(stderr.String(), "Error") {
		return &ReviewPatchResult{
			Project: task.Project,
			Error: &ReviewError{
				Patch:   filepath.Base(task.PatchPath),
				Rule:    canonical,
				Message: stderr.String(),
			},
		}, nil
	}
	if stdout.Len() == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("run review tool on %s: %w", task.PatchPath, runErr)
		}
		return nil, fmt.Errorf("review tool produced no output for %s under rule %s",
			filepath.Base(task.PatchPath), canonical)
	}

	var review Review
	if err := json.Unmarshal(stdout.Bytes(), &review); err != nil {
		return nil, fmt.Errorf("decode review output for rule %s: %w", canonical, err)
	}

	for i := range review.Violations {
		review.Violations[i].Rule = canonical
		review.Violations[i].RuleURL = e.ruleURL(canonical)
	}

	return &ReviewPatchResult{Project: task.Project, Result: &review}, nil
}

// FilterViolations drops findings the task's rule does not cover:
// the finding must name this rule, lie inside the rule's directories,
// and outside its skip list. A once-rule keeps only the first
// surviving finding. Error results pass through untouched.
func FilterViolations(res *ReviewPatchResult, task *DevagentTask) *ReviewPatchResult {
	if res.Error != nil || res.Result == nil {
		return res
	}

	kept := make([]Violation, 0, len(res.Result.Violations))
	for _, v := range res.Result.Violations {
		if !strings.Contains(task.RulePath, v.Rule) {
			continue
		}

		file := path.Join(task.Project, v.File)
		if anySubpath(task.RuleSkip, file) || !anySubpath(task.RuleDirs, file) {
			continue
		}

		kept = append(kept, v)
		if task.RuleOnce {
			break
		}
	}

	return &ReviewPatchResult{Project: res.Project, Result: &Review{Violations: kept}}
}

func anySubpath(dirs []string, file string) bool {
	for _, dir := range dirs {
		if rules.IsSubpath(dir, file) {
			return true
		}
	}
	return false
}
