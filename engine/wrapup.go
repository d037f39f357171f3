package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/reviewd/broker"
	"github.com/c360studio/reviewd/postgres"
	"github.com/c360studio/reviewd/taskinfo"
)

// handleWrapup merges the shard results of a job, persists residual
// review errors, and destroys the worktree. The worktree is cleaned
// even when merging or persistence fails.
func (e *Engine) handleWrapup(ctx context.Context, task *broker.Task) (any, error) {
	var payload broker.ChordPayload
	if err := json.Unmarshal(task.Args, &payload); err != nil {
		return nil, fmt.Errorf("decode chord payload: %w", err)
	}

	var args WrapupArgs
	if err := json.Unmarshal(payload.Args, &args); err != nil {
		return nil, fmt.Errorf("decode wrapup args: %w", err)
	}
	defer e.worktrees.Clean(args.WD)

	shards := make([][]ReviewPatchResult, 0, len(payload.Group))
	for i, raw := range payload.Group {
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			// Failed or revoked shard; its tasks stay unreviewed.
			e.logger.Warn("shard contributed no results", "job_id", args.JobID, "shard", i)
			shards = append(shards, nil)
			continue
		}
		var shard []ReviewPatchResult
		if err := json.Unmarshal(raw, &shard); err != nil {
			return nil, fmt.Errorf("decode shard %d results: %w", i, err)
		}
		shards = append(shards, shard)
	}

	processed, err := ProcessReviewResult(shards)
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		if err := e.storeErrors(ctx, args.JobID, processed); err != nil {
			return nil, err
		}
	}

	e.logger.Info("review job wrapped up", "job_id", args.JobID,
		"projects_with_findings", len(processed.Results),
		"projects_with_errors", len(processed.Errors))
	return processed, nil
}

// ProcessReviewResult flattens the shard results and groups findings
// and errors by project. Each task result must carry exactly one of
// the two.
func ProcessReviewResult(shards [][]ReviewPatchResult) (*ProcessedReview, error) {
	processed := &ProcessedReview{
		Errors:  make(map[string][]ReviewError),
		Results: make(map[string][]Violation),
	}

	for _, shard := range shards {
		for _, res := range shard {
			switch {
			case res.Error != nil && res.Result != nil:
				return nil, fmt.Errorf("task result for %s carries both error and result", res.Project)
			case res.Error == nil && res.Result == nil:
				return nil, fmt.Errorf("task result for %s carries neither error nor result", res.Project)
			case res.Error != nil:
				processed.Errors[res.Project] = append(processed.Errors[res.Project], *res.Error)
			default:
				processed.Results[res.Project] = append(processed.Results[res.Project], res.Result.Violations...)
			}
		}
	}

	return processed, nil
}

// storeErrors persists review errors with the revision metadata and
// patch bodies recorded at init time.
func (e *Engine) storeErrors(ctx context.Context, jobID string, processed *ProcessedReview) error {
	if len(processed.Errors) == 0 {
		return nil
	}

	bundle, err := e.taskInfo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return fmt.Errorf("task info for job %s expired before wrapup", jobID)
	}

	savedPatches := make(map[string]bool)
	var rows []postgres.Error
	for project, errs := range processed.Errors {
		revProject := bundle[taskinfo.ProjectRevisionKey(project)]

		for _, re := range errs {
			if !savedPatches[re.Patch] {
				err := e.store.SavePatchIfAbsent(ctx, &postgres.Patch{
					ID:      re.Patch,
					Content: bundle[taskinfo.PatchContentKey(re.Patch)],
					Context: bundle[taskinfo.PatchContextKey(re.Patch)],
				})
				if err != nil {
					return err
				}
				savedPatches[re.Patch] = true
			}

			rows = append(rows, postgres.Error{
				RevRules:    bundle[taskinfo.RulesRevisionKey()],
				RevDevagent: bundle[taskinfo.DevagentRevisionKey()],
				Project:     project,
				RevProject:  revProject,
				Patch:       re.Patch,
				Rule:        re.Rule,
				Message:     re.Message,
			})
		}
	}

	return e.store.SaveErrors(ctx, rows)
}
