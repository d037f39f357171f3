// Package diff fetches and models normalised pull-request diffs from
// remote git services.
package diff

// Summary carries the PR-level counters and revisions of a diff.
type Summary struct {
	TotalFiles   int    `json:"total_files"`
	AddedLines   int    `json:"added_lines"`
	RemovedLines int    `json:"removed_lines"`
	BaseSHA      string `json:"base_sha"`
	HeadSHA      string `json:"head_sha"`
}

// File is one changed file with its unified-diff text.
type File struct {
	Path         string `json:"file"`
	Diff         string `json:"diff"`
	AddedLines   int    `json:"added_lines"`
	RemovedLines int    `json:"removed_lines"`
}

// Diff is the normalised view of one pull request. Immutable once obtained.
type Diff struct {
	Remote  string  `json:"remote"`
	Project string  `json:"project"`
	Files   []File  `json:"files"`
	Summary Summary `json:"summary"`
}
