package diff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// FileProvider reads a unified diff from the local filesystem. It backs
// the empty-host side of the registry so plain paths and file:// URLs
// can stand in for a remote PR during development and tests.
type FileProvider struct{}

// NewFileProvider creates a provider for local diff files.
func NewFileProvider() *FileProvider { return &FileProvider{} }

// Domain is empty: local paths parse with no URL host.
func (p *FileProvider) Domain() string { return "" }

// GetDiff parses the multi-file unified diff at the given path.
func (p *FileProvider) GetDiff(_ context.Context, rawURL string) (*Diff, error) {
	path := strings.TrimPrefix(rawURL, "file://")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidURL, path, err)
	}

	fileDiffs, err := godiff.ParseMultiFileDiff(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidURL, path, err)
	}

	files := make([]File, 0, len(fileDiffs))
	summary := Summary{TotalFiles: len(fileDiffs)}
	for _, fd := range fileDiffs {
		text, err := godiff.PrintFileDiff(fd)
		if err != nil {
			return nil, fmt.Errorf("%w: render %s: %v", ErrInvalidURL, path, err)
		}

		stat := fd.Stat()
		f := File{
			Path:         stripDiffPrefix(fd.NewName, fd.OrigName),
			Diff:         strings.TrimSuffix(string(text), "\n"),
			AddedLines:   int(stat.Added + stat.Changed),
			RemovedLines: int(stat.Deleted + stat.Changed),
		}
		summary.AddedLines += f.AddedLines
		summary.RemovedLines += f.RemovedLines
		files = append(files, f)
	}

	return &Diff{
		Remote:  "file",
		Project: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Files:   files,
		Summary: summary,
	}, nil
}

// stripDiffPrefix picks the post-image name, falling back to the
// pre-image for deletions, and drops the a/ or b/ prefix.
func stripDiffPrefix(newName, origName string) string {
	name := newName
	if name == "" || name == "/dev/null" {
		name = origName
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	return name
}
