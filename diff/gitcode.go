package diff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/reviewd/retry"
)

var gitcodePRPattern = regexp.MustCompile(`^https?://gitcode\.com/[a-zA-Z0-9_-]+/[a-zA-Z0-9_-]+/pull/[0-9]+$`)

// GitcodeProvider fetches PR diffs through the gitcode.com v5 REST API.
type GitcodeProvider struct {
	token   string
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	// Retry policy, overridable for tests.
	retryUnit  time.Duration
	retryTries int
}

// NewGitcodeProvider creates a provider using the given API token.
func NewGitcodeProvider(token string, logger *slog.Logger) *GitcodeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitcodeProvider{
		token:      token,
		apiBase:    "https://api.gitcode.com",
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		retryUnit:  retry.DefaultUnit,
		retryTries: retry.DefaultTries,
	}
}

// Domain returns the host this provider serves.
func (p *GitcodeProvider) Domain() string { return "gitcode.com" }

// GetDiff fetches and normalises the PR diff, retrying transient failures.
func (p *GitcodeProvider) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	owner, repo, number, err := parsePRPath(rawURL, gitcodePRPattern)
	if err != nil {
		return nil, err
	}

	var result *Diff
	err = retry.DoWith(ctx, p.retryUnit, p.retryTries, func() error {
		d, err := p.tryGetDiff(ctx, owner, repo, number)
		if err != nil {
			// Business rejections are final; only transport errors retry.
			if errors.Is(err, ErrRemoteReject) {
				return backoff.Permanent(err)
			}
			p.logger.Info("gitcode diff fetch failed, retrying",
				"url", rawURL, "error", err)
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRemoteReject) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return result, nil
}

type gitcodeStatistic struct {
	Path         string `json:"path"`
	OldPath      string `json:"old_path"`
	NewPath      string `json:"new_path"`
	AddedLines   int    `json:"added_lines"`
	DeletedLines int    `json:"deleted_lines"`
}

type gitcodeContent struct {
	Text []string `json:"text"`
}

type gitcodeDiffItem struct {
	Statistic gitcodeStatistic `json:"statistic"`
	Content   gitcodeContent   `json:"content"`
}

type gitcodeFilesResponse struct {
	Code        *int              `json:"code"`
	Msg         string            `json:"msg"`
	Count       int               `json:"count"`
	AddedLines  int               `json:"added_lines"`
	RemoveLines int               `json:"remove_lines"`
	DiffRefs    struct {
		BaseSHA string `json:"base_sha"`
		HeadSHA string `json:"head_sha"`
	} `json:"diff_refs"`
	Diffs []gitcodeDiffItem `json:"diffs"`
}

func (p *GitcodeProvider) tryGetDiff(ctx context.Context, owner, repo, number string) (*Diff, error) {
	apiURL := fmt.Sprintf("%s/api/v5/repos/%s/%s/pulls/%s/files.json", p.apiBase, owner, repo, number)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch PR files: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read PR files response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PR files request returned HTTP %d", resp.StatusCode)
	}

	var data gitcodeFilesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode PR files response: %w", err)
	}
	if data.Code != nil && *data.Code != 0 {
		return nil, fmt.Errorf("%w: code %d %s", ErrRemoteReject, *data.Code, data.Msg)
	}

	files := make([]File, 0, len(data.Diffs))
	for _, item := range data.Diffs {
		files = append(files, normalizeDiffItem(item))
	}

	return &Diff{
		Remote:  "gitcode.com",
		Project: owner + "/" + repo,
		Files:   files,
		Summary: Summary{
			TotalFiles:   data.Count,
			AddedLines:   data.AddedLines,
			RemovedLines: data.RemoveLines,
			BaseSHA:      data.DiffRefs.BaseSHA,
			HeadSHA:      data.DiffRefs.HeadSHA,
		},
	}, nil
}

// normalizeDiffItem rebuilds a standard unified-diff header around the raw
// hunk text the API returns.
func normalizeDiffItem(item gitcodeDiffItem) File {
	path := item.Statistic.Path
	if path == "" {
		path = "unknown"
	}
	oldPath := item.Statistic.OldPath
	if oldPath == "" {
		oldPath = path
	}
	newPath := item.Statistic.NewPath
	if newPath == "" {
		newPath = path
	}

	lines := make([]string, 0, len(item.Content.Text)+3)
	lines = append(lines,
		fmt.Sprintf("diff --git a/%s b/%s", oldPath, newPath),
		"--- a/"+oldPath,
		"+++ b/"+newPath,
	)
	lines = append(lines, item.Content.Text...)

	return File{
		Path:         path,
		Diff:         strings.Join(lines, "\n"),
		AddedLines:   item.Statistic.AddedLines,
		RemovedLines: item.Statistic.DeletedLines,
	}
}

// parsePRPath validates the PR URL shape and extracts owner/repo/number.
func parsePRPath(rawURL string, pattern *regexp.Regexp) (owner, repo, number string, err error) {
	if !pattern.MatchString(rawURL) {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	// ["", owner, repo, "pull", number]
	parts := strings.Split(parsed.Path, "/")
	if len(parts) < 5 {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}
	return parts[1], parts[2], parts[4], nil
}
