// Package patch parses unified diffs into per-file facts and renders
// the human-readable summaries that become a review task's context.
package patch

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// FileState describes what the diff did to one file.
type FileState string

const (
	StateModified FileState = "modified"
	StateAdded    FileState = "added"
	StateRemoved  FileState = "removed"
	StateRenamed  FileState = "renamed"
)

// FileType is the subsystem a file contributes to, inferred from its path.
type FileType string

const (
	TypeOther            FileType = "other"
	TypeRuntime          FileType = "runtime"
	TypeRuntimeStdlib    FileType = "runtime ETS stdlib"
	TypeFrontend         FileType = "front-end"
	TypeFrontendParser   FileType = "front-end parser"
	TypeFrontendChecker  FileType = "front-end checker"
	TypeFrontendVerifier FileType = "front-end AST verifier"
	TypeFrontendCodegen  FileType = "front-end code generator"
	TypeTest             FileType = "test"
	TypeUnitTest         FileType = "unit test"
	TypeFrontendTest     FileType = "front-end test"
	TypeNegFrontendTest  FileType = "negative front-end test"
	TypePosFrontendTest  FileType = "positive front-end test"
	TypeCTSTest          FileType = "CTS test"
	TypeFunctionalTest   FileType = "functional test"
)

// FileInfo holds the parsed facts of one file in a patch.
type FileInfo struct {
	OldName string
	NewName string

	AddedLines   int
	RemovedLines int

	AddedAssertions   int
	RemovedAssertions int
	ContextAssertions int

	AddedCTEChecks   int
	RemovedCTEChecks int
	ContextCTEChecks int

	State FileState
	Type  FileType
}

func (f *FileInfo) removesAssertions() bool {
	return f.RemovedAssertions > f.AddedAssertions
}

// ErrMalformed marks patches the analyzer cannot make sense of.
var ErrMalformed = errors.New("malformed patch")

var (
	oldFileHeader = regexp.MustCompile(`^--- (?:a/)?(.+)$`)
	newFileHeader = regexp.MustCompile(`^\+\+\+ (?:b/)?(.+)$`)
)

const devNull = "/dev/null"

func isCppFile(path string) bool {
	return strings.HasSuffix(path, ".cpp") || strings.HasSuffix(path, ".h")
}

func isEtsFile(path string) bool {
	return strings.HasSuffix(path, ".ets") || strings.HasSuffix(path, ".sts")
}

func containsAssertion(line string) bool {
	return strings.Contains(line, "ES2PANDA_ASSERT(") ||
		strings.Contains(line, "arktest.assert") ||
		strings.Contains(line, "ASSERT(")
}

func containsCTECheck(line string) bool {
	return strings.Contains(line, "/* @@")
}

// classify maps a file path to its subsystem. Pure and deterministic.
func classify(path string) FileType {
	if strings.Contains(path, "/test") {
		switch {
		case isCppFile(path):
			return TypeUnitTest
		case isEtsFile(path):
			switch {
			case strings.Contains(path, "ets2panda/test"):
				switch {
				case strings.Contains(path, "ets2panda/test/ast"):
					return TypeNegFrontendTest
				case strings.Contains(path, "ets2panda/test/runtime"):
					return TypePosFrontendTest
				}
				return TypeFrontendTest
			case strings.Contains(path, "tests/ets-templates"):
				return TypeCTSTest
			case strings.Contains(path, "ets_func_tests"):
				return TypeFunctionalTest
			}
		}
		return TypeTest
	}

	if strings.Contains(path, "ets2panda/") {
		if isCppFile(path) {
			switch {
			case strings.Contains(path, "ets2panda/parser/"), strings.Contains(path, "ets2panda/ir/"):
				return TypeFrontendParser
			case strings.Contains(path, "ets2panda/checker/"):
				return TypeFrontendChecker
			case strings.Contains(path, "ets2panda/ast_verifier"):
				return TypeFrontendVerifier
			case strings.Contains(path, "ETSGen."), strings.Contains(path, "ETSemitter."):
				return TypeFrontendCodegen
			}
		}
		return TypeFrontend
	}

	if strings.Contains(path, "static_core/") {
		if strings.Contains(path, "stdlib/") {
			return TypeRuntimeStdlib
		}
		if isCppFile(path) {
			return TypeRuntime
		}
	}

	return TypeOther
}

func (f *FileInfo) inferState() error {
	if f.OldName == devNull {
		if f.NewName == devNull {
			return fmt.Errorf("%w: both sides are %s", ErrMalformed, devNull)
		}
		if f.RemovedLines != 0 {
			return fmt.Errorf("%w: added file %s removes lines", ErrMalformed, f.NewName)
		}
		f.State = StateAdded
	}

	if f.NewName == devNull {
		if f.AddedLines != 0 {
			return fmt.Errorf("%w: removed file %s adds lines", ErrMalformed, f.OldName)
		}
		f.State = StateRemoved
	}

	if f.State == StateModified && f.OldName != f.NewName &&
		f.AddedLines == 0 && f.RemovedLines == 0 {
		f.State = StateRenamed
	}
	return nil
}

func (f *FileInfo) enrich() error {
	if f.OldName == "" || f.NewName == "" {
		return fmt.Errorf("%w: file entry missing a header name", ErrMalformed)
	}
	if err := f.inferState(); err != nil {
		return err
	}
	f.Type = classify(f.NewName)
	return nil
}

// Report is the parsed view of one patch.
type Report struct {
	Files []FileInfo
}

// Analyze parses the unified diff file at path.
func Analyze(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch %s: %w", path, err)
	}
	return AnalyzeBytes(raw)
}

// AnalyzeBytes parses unified diff text into a Report. The scan only
// trusts ---/+++ headers and the +/-/space line prefixes; everything
// else (diff --git, index, @@ hunks) is structural noise.
func AnalyzeBytes(raw []byte) (*Report, error) {
	report := &Report{}
	var curr *FileInfo

	commit := func() error {
		if curr == nil {
			return nil
		}
		if err := curr.enrich(); err != nil {
			return err
		}
		report.Files = append(report.Files, *curr)
		curr = nil
		return nil
	}

	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case oldFileHeader.MatchString(line):
			if err := commit(); err != nil {
				return nil, err
			}
			curr = &FileInfo{
				OldName: oldFileHeader.FindStringSubmatch(line)[1],
				State:   StateModified,
				Type:    TypeOther,
			}

		case newFileHeader.MatchString(line):
			if curr == nil {
				return nil, fmt.Errorf("%w: +++ header before ---", ErrMalformed)
			}
			curr.NewName = newFileHeader.FindStringSubmatch(line)[1]

		case strings.HasPrefix(line, "+"):
			if curr == nil {
				return nil, fmt.Errorf("%w: diff body before file header", ErrMalformed)
			}
			curr.AddedLines++
			if containsAssertion(line) {
				curr.AddedAssertions++
			}
			if containsCTECheck(line) {
				curr.AddedCTEChecks++
			}

		case strings.HasPrefix(line, "-"):
			if curr == nil {
				return nil, fmt.Errorf("%w: diff body before file header", ErrMalformed)
			}
			curr.RemovedLines++
			if containsAssertion(line) {
				curr.RemovedAssertions++
			}
			if containsCTECheck(line) {
				curr.RemovedCTEChecks++
			}

		case strings.HasPrefix(line, " "):
			if curr == nil {
				continue
			}
			if containsAssertion(line) {
				curr.ContextAssertions++
			}
			if containsCTECheck(line) {
				curr.ContextCTEChecks++
			}
		}
	}

	if curr == nil && len(report.Files) == 0 {
		return nil, fmt.Errorf("%w: no file headers found", ErrMalformed)
	}
	if err := commit(); err != nil {
		return nil, err
	}

	return report, nil
}
