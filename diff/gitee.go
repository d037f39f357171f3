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

var giteePRPattern = regexp.MustCompile(`^https?://gitee\.com/[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+/pulls/[0-9]+$`)

// GiteeProvider fetches PR diffs through the gitee.com v5 REST API.
type GiteeProvider struct {
	token   string
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	retryUnit  time.Duration
	retryTries int
}

// NewGiteeProvider creates a provider using the given access token.
func NewGiteeProvider(token string, logger *slog.Logger) *GiteeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GiteeProvider{
		token:      token,
		apiBase:    "https://gitee.com",
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		retryUnit:  retry.DefaultUnit,
		retryTries: retry.DefaultTries,
	}
}

// Domain returns the host this provider serves.
func (p *GiteeProvider) Domain() string { return "gitee.com" }

// GetDiff fetches and normalises the PR diff, retrying transient failures.
func (p *GiteeProvider) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	owner, repo, number, err := parsePRPath(rawURL, giteePRPattern)
	if err != nil {
		return nil, err
	}

	var result *Diff
	err = retry.DoWith(ctx, p.retryUnit, p.retryTries, func() error {
		d, err := p.tryGetDiff(ctx, owner, repo, number)
		if err != nil {
			if errors.Is(err, ErrRemoteReject) {
				return backoff.Permanent(err)
			}
			p.logger.Info("gitee diff fetch failed, retrying",
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

type giteePatch struct {
	Diff    string `json:"diff"`
	NewPath string `json:"new_path"`
	OldPath string `json:"old_path"`
}

// giteeFileItem is one entry of the /pulls/{n}/files array.
type giteeFileItem struct {
	Filename  string     `json:"filename"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Patch     giteePatch `json:"patch"`
}

func (p *GiteeProvider) tryGetDiff(ctx context.Context, owner, repo, number string) (*Diff, error) {
	apiURL := fmt.Sprintf("%s/api/v5/repos/%s/%s/pulls/%s/files", p.apiBase, owner, repo, number)
	if p.token != "" {
		apiURL += "?access_token=" + url.QueryEscape(p.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch PR files: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read PR files response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Auth and not-found failures will not heal on retry.
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteReject, resp.StatusCode)
	default:
		return nil, fmt.Errorf("PR files request returned HTTP %d", resp.StatusCode)
	}

	var items []giteeFileItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode PR files response: %w", err)
	}

	files := make([]File, 0, len(items))
	summary := Summary{TotalFiles: len(items)}
	for _, item := range items {
		f := normalizeGiteeItem(item)
		summary.AddedLines += f.AddedLines
		summary.RemovedLines += f.RemovedLines
		files = append(files, f)
	}

	return &Diff{
		Remote:  "gitee.com",
		Project: owner + "/" + repo,
		Files:   files,
		Summary: summary,
	}, nil
}

func normalizeGiteeItem(item giteeFileItem) File {
	path := item.Filename
	if path == "" {
		path = item.Patch.NewPath
	}
	oldPath := item.Patch.OldPath
	if oldPath == "" {
		oldPath = path
	}
	newPath := item.Patch.NewPath
	if newPath == "" {
		newPath = path
	}

	lines := []string{
		fmt.Sprintf("diff --git a/%s b/%s", oldPath, newPath),
		"--- a/" + oldPath,
		"+++ b/" + newPath,
	}
	if item.Patch.Diff != "" {
		lines = append(lines, strings.TrimSuffix(item.Patch.Diff, "\n"))
	}

	return File{
		Path:         path,
		Diff:         strings.Join(lines, "\n"),
		AddedLines:   item.Additions,
		RemovedLines: item.Deletions,
	}
}
