package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/reviewd/broker"
	"github.com/c360studio/reviewd/config"
	"github.com/c360studio/reviewd/diff"
	"github.com/c360studio/reviewd/postgres"
	"github.com/c360studio/reviewd/rules"
	"github.com/c360studio/reviewd/taskinfo"
	"github.com/c360studio/reviewd/worktree"
)

// Engine wires the review stages to the broker and their backing
// services. Store may be nil when error persistence is disabled.
type Engine struct {
	cfg       *config.Config
	providers *diff.Registry
	worktrees *worktree.Manager
	taskInfo  *taskinfo.Store
	broker    *broker.Broker
	store     *postgres.Store
	logger    *slog.Logger
}

// New assembles an engine. Call RegisterHandlers before running the
// broker so all three stages are dispatchable.
func New(cfg *config.Config, providers *diff.Registry, worktrees *worktree.Manager,
	ti *taskinfo.Store, b *broker.Broker, store *postgres.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		providers: providers,
		worktrees: worktrees,
		taskInfo:  ti,
		broker:    b,
		store:     store,
		logger:    logger,
	}
}

// RegisterHandlers binds the three pipeline stages to the broker.
func (e *Engine) RegisterHandlers() {
	e.broker.Register(StageInit, e.handleInit)
	e.broker.Register(StageShard, e.handleReviewShard)
	e.broker.Register(StageWrapup, e.handleWrapup)
}

// SubmitReview enqueues the init stage for the given pull-request URLs
// and returns the job id. The init task's id is the job id.
func (e *Engine) SubmitReview(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("no pull request urls given")
	}

	args, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("encode review urls: %w", err)
	}

	r, err := e.broker.Enqueue(ctx, broker.Signature{Stage: StageInit, Args: args})
	if err != nil {
		return "", err
	}

	e.logger.Info("review job submitted", "job_id", r.ID(), "urls", len(urls))
	return r.ID(), nil
}

// handleInit fetches diffs, populates a worktree, plans the review
// tasks, stores the job's task info, and fans out the review chord.
func (e *Engine) handleInit(ctx context.Context, task *broker.Task) (any, error) {
	var urls []string
	if err := json.Unmarshal(task.Args, &urls); err != nil {
		return nil, fmt.Errorf("decode init args: %w", err)
	}

	wd, err := os.MkdirTemp("", "reviewd-*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	result, err := e.initJob(ctx, task.ID, wd, urls)
	if err != nil {
		e.worktrees.Clean(wd)
		return nil, err
	}
	return result, nil
}

func (e *Engine) initJob(ctx context.Context, jobID, wd string, urls []string) (*InitResult, error) {
	diffs := make([]*diff.Diff, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, rawURL := range urls {
		g.Go(func() error {
			d, err := e.providers.GetDiff(gctx, rawURL)
			if err != nil {
				return fmt.Errorf("fetch diff for %s: %w", rawURL, err)
			}
			diffs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	projects := make([]worktree.ProjectInfo, len(diffs))
	for i, d := range diffs {
		projects[i] = worktree.ExtractProjectInfo(d)
	}

	rulesInfo := worktree.ProjectInfo{
		Remote:   e.cfg.Review.RulesRemote,
		Project:  e.cfg.Review.RulesProject,
		Revision: e.cfg.Review.RulesRevision,
	}
	if err := e.worktrees.Populate(ctx, wd, rulesInfo, projects); err != nil {
		return nil, err
	}

	loaded, err := rules.Load(wd, RulesDirName)
	if err != nil {
		return nil, err
	}

	tasks, err := e.prepareTasks(jobID, wd, loaded, diffs)
	if err != nil {
		return nil, err
	}

	bundle, err := e.buildTaskInfo(ctx, jobID, wd, tasks)
	if err != nil {
		return nil, err
	}
	if err := e.taskInfo.Set(ctx, jobID, bundle); err != nil {
		return nil, err
	}

	groupSize := e.cfg.Review.GroupSize
	if groupSize <= 0 {
		groupSize = 1
	}

	group := make([]broker.Signature, groupSize)
	for i := range group {
		args, err := json.Marshal(ReviewShardArgs{
			JobID: jobID, Tasks: tasks, GroupIndex: i, GroupSize: groupSize,
		})
		if err != nil {
			return nil, fmt.Errorf("encode shard args: %w", err)
		}
		group[i] = broker.Signature{Stage: StageShard, Args: args}
	}

	tailArgs, err := json.Marshal(WrapupArgs{JobID: jobID, WD: wd})
	if err != nil {
		return nil, fmt.Errorf("encode wrapup args: %w", err)
	}

	shardIDs, wrapupID, err := e.broker.EnqueueChord(ctx, group, broker.Signature{Stage: StageWrapup, Args: tailArgs})
	if err != nil {
		return nil, err
	}

	e.logger.Info("review job planned",
		"job_id", jobID, "tasks", len(tasks), "shards", groupSize, "wd", wd)

	return &InitResult{WD: wd, NumTasks: len(tasks), ShardIDs: shardIDs, WrapupID: wrapupID}, nil
}

// ruleURL points a canonical rule name at its published description.
func (e *Engine) ruleURL(canonical string) string {
	prefix := strings.TrimSuffix(e.cfg.Review.RuleURLPrefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/" + canonical + ".md"
}
