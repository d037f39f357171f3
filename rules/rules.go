// Package rules loads and validates the review-rules manifest of a
// populated working tree.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// ConfigName is the manifest file at the rules project root.
	ConfigName = ".REVIEW_RULES.json"
	// RulesDir holds the rule bodies, one file per rule name.
	RulesDir = "REVIEW_RULES"
)

// Manifest validation failures. The messages carry the detail; callers
// match the kind with errors.Is.
var (
	ErrNoProjectRoot = errors.New("No project root")
	ErrNoConfigFile  = errors.New("No config file")
	ErrDuplicateRule = errors.New("Loaded rules have duplicates")
	ErrRuleMissing   = errors.New("Rule does not exist")
)

// Rule is one entry of the manifest. Dirs and Skip are repo-relative
// paths of the form <project>/<dir>.
type Rule struct {
	Name     string   `json:"name"`
	Dirs     []string `json:"dirs"`
	Skip     []string `json:"skip,omitempty"`
	Once     bool     `json:"once,omitempty"`
	Disabled bool     `json:"disable,omitempty"`
}

// CanonicalName is the rule's authoritative label: the file basename
// without extension.
func CanonicalName(rulePath string) string {
	base := filepath.Base(rulePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Root returns the rules project directory inside wd.
func Root(wd, rulesProject string) string {
	return filepath.Join(wd, rulesProject)
}

// Abspath returns the on-disk path of one rule body.
func Abspath(wd, rulesProject, name string) string {
	return filepath.Join(Root(wd, rulesProject), RulesDir, name)
}

// Load reads the manifest under wd, drops disabled entries, and
// validates that names are unique and every rule body exists.
func Load(wd, rulesProject string) ([]Rule, error) {
	root := Root(wd, rulesProject)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w %s for development rules was found", ErrNoProjectRoot, root)
	}

	configPath := filepath.Join(root, ConfigName)
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w %s was found in the project root %s", ErrNoConfigFile, configPath, root)
	}

	var all []Rule
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	loaded := make([]Rule, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, rule := range all {
		if rule.Disabled {
			continue
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		seen[rule.Name] = true
		loaded = append(loaded, rule)
	}

	for _, rule := range loaded {
		rulePath := Abspath(wd, rulesProject, rule.Name)
		if _, err := os.Stat(rulePath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRuleMissing, rulePath)
		}
	}

	return loaded, nil
}

// IsSubpath reports whether child lies under parent (or equals it),
// on path-segment boundaries.
func IsSubpath(parent, child string) bool {
	p := path.Clean(parent)
	c := path.Clean(child)
	return p == c || strings.HasPrefix(c, p+"/")
}

// Applicable reports whether the rule covers the changed file, given
// as <project>/<path>. Skip wins over Dirs.
func (r Rule) Applicable(file string) bool {
	for _, dir := range r.Skip {
		if IsSubpath(dir, file) {
			return false
		}
	}
	for _, dir := range r.Dirs {
		if IsSubpath(dir, file) {
			return true
		}
	}
	return false
}
