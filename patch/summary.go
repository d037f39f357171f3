package patch

import (
	"fmt"
	"strings"
)

func (r *Report) countContribs(match func(FileInfo) bool) (added, removed int) {
	for _, fi := range r.Files {
		if match(fi) {
			added += fi.AddedLines
			removed += fi.RemovedLines
		}
	}
	return added, removed
}

func (r *Report) countFiles(match func(FileInfo) bool) int {
	n := 0
	for _, fi := range r.Files {
		if match(fi) {
			n++
		}
	}
	return n
}

func isTestType(t FileType) bool     { return strings.Contains(string(t), "test") }
func isFrontendType(t FileType) bool { return strings.Contains(string(t), "front-end") }
func isRuntimeType(t FileType) bool  { return strings.Contains(string(t), "runtime") }
func isPositiveType(t FileType) bool { return strings.Contains(string(t), "positive") }

// VerboseFrontEndSummary renders the front-end contribution of the patch
// as human-readable prose.
func (r *Report) VerboseFrontEndSummary() string {
	added, removed := r.countContribs(func(fi FileInfo) bool {
		return isFrontendType(fi.Type) && !isTestType(fi.Type)
	})
	if added+removed == 0 {
		return "This patch does not contribute to the front-end.\n\n"
	}

	var b strings.Builder
	b.WriteString("This patch contributes to the front-end main code base.\n\n")
	fmt.Fprintf(&b, "Overall, %d LoC are added, and %d LoC are removed.\n\n", added, removed)

	writeSubsystem := func(t FileType, name string) {
		a, rm := r.countContribs(func(fi FileInfo) bool { return fi.Type == t })
		if a+rm > 0 {
			fmt.Fprintf(&b, "In particular, %d LoC are added to the %s, %d LoC are removed from the %s.\n\n",
				a, name, rm, name)
		}
	}
	writeSubsystem(TypeFrontendParser, "parser")
	writeSubsystem(TypeFrontendChecker, "type checker")
	writeSubsystem(TypeFrontendVerifier, "AST verifier")
	writeSubsystem(TypeFrontendCodegen, "code generator")

	return b.String()
}

// VerboseTestSummary renders the test contribution of the patch as
// human-readable prose.
func (r *Report) VerboseTestSummary() string {
	addedTests := r.countFiles(func(fi FileInfo) bool {
		return isTestType(fi.Type) && fi.State == StateAdded
	})
	removedTests := r.countFiles(func(fi FileInfo) bool {
		return isTestType(fi.Type) && fi.State == StateRemoved
	})
	modifiedTests := r.countFiles(func(fi FileInfo) bool {
		return isTestType(fi.Type) && fi.State == StateModified
	})

	if addedTests+removedTests+modifiedTests == 0 {
		return "The patch does not contribute to the tests.\n\n"
	}

	var b strings.Builder
	b.WriteString("This patch contributes to the tests.\n\n")

	added, removed := r.countContribs(func(fi FileInfo) bool { return isTestType(fi.Type) })
	fmt.Fprintf(&b, "Overall, %d LoC are added to the tests, and %d LoC are removed from the tests.\n\n",
		added, removed)

	b.WriteString("In particular, the patch ")
	if addedTests > 0 {
		fmt.Fprintf(&b, "adds %d tests", addedTests)
	} else {
		b.WriteString("does not add tests")
	}
	b.WriteString(", ")
	if removedTests > 0 {
		fmt.Fprintf(&b, "removes %d tests", removedTests)
	} else {
		b.WriteString("does not remove tests")
	}
	b.WriteString(", ")
	if modifiedTests > 0 {
		fmt.Fprintf(&b, "modifies %d existing tests", modifiedTests)
	} else {
		b.WriteString("does not modify existing tests")
	}
	b.WriteString(".\n\n")

	if n := r.countPositiveTestsWithoutAssertions(); n > 0 {
		fmt.Fprintf(&b, "The patch has %d positive tests which decrease assertion usage.\n\n", n)
	}

	return b.String()
}

func (r *Report) countPositiveTestsWithoutAssertions() int {
	n := 0
	for _, fi := range r.Files {
		if !isTestType(fi.Type) || !isPositiveType(fi.Type) {
			continue
		}
		switch {
		case fi.State == StateAdded && fi.AddedAssertions == 0:
			n++
		case fi.State == StateRemoved && fi.RemovedAssertions > 0:
			n++
		case fi.State == StateModified && fi.removesAssertions():
			n++
		}
	}
	return n
}

// VerboseRuntimeSummary renders the runtime contribution of the patch
// as human-readable prose.
func (r *Report) VerboseRuntimeSummary() string {
	added, removed := r.countContribs(func(fi FileInfo) bool {
		return isRuntimeType(fi.Type) && !isTestType(fi.Type)
	})
	if added+removed == 0 {
		return "This patch does not contribute to the runtime.\n\n"
	}

	var b strings.Builder
	b.WriteString("This patch contributes to the runtime main code base.\n\n")
	fmt.Fprintf(&b, "Overall, %d LoC are added, and %d LoC are removed.\n\n", added, removed)

	a, rm := r.countContribs(func(fi FileInfo) bool { return fi.Type == TypeRuntimeStdlib })
	if a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the ETS stdlib, %d LoC are removed from the ETS stdlib.\n\n",
			a, rm)
	}

	return b.String()
}

// ContextSummary is the full per-patch context handed to the review
// tool: runtime, then front-end, then test contributions.
func (r *Report) ContextSummary() string {
	return r.VerboseRuntimeSummary() + r.VerboseFrontEndSummary() + r.VerboseTestSummary()
}

// RawSummary returns one short line per file in the patch.
func (r *Report) RawSummary() []string {
	raw := make([]string, 0, len(r.Files))
	for _, fi := range r.Files {
		name := fi.NewName
		if fi.State == StateRemoved {
			name = fi.OldName
		}
		raw = append(raw, fmt.Sprintf(
			"%s: %s file (contributes to: %s), %d lines added, %d lines removed, %d assertions added, %d assertions removed, %d CTE checks added, %d CTE checks removed",
			name, fi.State, fi.Type,
			fi.AddedLines, fi.RemovedLines,
			fi.AddedAssertions, fi.RemovedAssertions,
			fi.AddedCTEChecks, fi.RemovedCTEChecks))
	}
	return raw
}
