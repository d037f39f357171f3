// Package engine implements the three-stage review pipeline: init
// plans tasks and fans out a chord, review shards invoke the external
// tool, wrapup merges results and persists residual errors.
package engine

// Stage names as dispatched through the broker.
const (
	StageInit   = "review.init"
	StageShard  = "review.shard"
	StageWrapup = "review.wrapup"
)

// RulesDirName is where the rules project is checked out inside a
// worktree, regardless of its remote repository name.
const RulesDirName = "review_rules"

// DevagentTask is one external review invocation: a patch reviewed
// against one rule inside one project checkout. Created by init,
// consumed exactly once by a review shard, never mutated.
type DevagentTask struct {
	WD          string   `json:"wd"`
	Project     string   `json:"project"`
	PatchPath   string   `json:"patch_path"`
	ContextPath string   `json:"context_path"`
	RulePath    string   `json:"rule_path"`
	RuleDirs    []string `json:"rule_dirs"`
	RuleSkip    []string `json:"rule_skip"`
	RuleOnce    bool     `json:"rule_once"`
}

// Violation is one reviewer finding. Rule always carries the canonical
// rule name; whatever the external tool emitted is overwritten.
type Violation struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Severity    string `json:"severity,omitempty"`
	Rule        string `json:"rule"`
	RuleURL     string `json:"rule_url,omitempty"`
	Message     string `json:"message"`
	ChangeType  string `json:"change_type,omitempty"`
	CodeSnippet string `json:"code_snippet,omitempty"`
}

// ReviewError is one failed review-tool invocation.
type ReviewError struct {
	Patch   string `json:"patch"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Review is the successful output of one invocation.
type Review struct {
	Violations []Violation `json:"violations"`
}

// ReviewPatchResult carries exactly one of Error or Result.
type ReviewPatchResult struct {
	Project string       `json:"project"`
	Error   *ReviewError `json:"error"`
	Result  *Review      `json:"result"`
}

// ProcessedReview is the final object of a job, grouped by project.
type ProcessedReview struct {
	Errors  map[string][]ReviewError `json:"errors"`
	Results map[string][]Violation   `json:"results"`
}

// InitResult is the init stage's stored result: everything the status
// aggregator and revocation need to reach the rest of the job graph.
type InitResult struct {
	WD       string   `json:"wd"`
	NumTasks int      `json:"num_tasks"`
	ShardIDs []string `json:"shard_ids"`
	WrapupID string   `json:"wrapup_id"`
}

// ReviewShardArgs is the argument bundle of one review shard.
type ReviewShardArgs struct {
	JobID      string         `json:"job_id"`
	Tasks      []DevagentTask `json:"tasks"`
	GroupIndex int            `json:"group_index"`
	GroupSize  int            `json:"group_size"`
}

// WrapupArgs is the tail task's own argument bundle; the broker adds
// the gathered shard results around it.
type WrapupArgs struct {
	JobID string `json:"job_id"`
	WD    string `json:"wd"`
}
