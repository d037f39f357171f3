package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesProject = "review_rules"

func writeManifest(t *testing.T, wd string, entries []Rule, bodies []string) {
	t.Helper()

	root := filepath.Join(wd, rulesProject)
	require.NoError(t, os.MkdirAll(filepath.Join(root, RulesDir), 0o755))

	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigName), raw, 0o644))

	for _, name := range bodies {
		path := filepath.Join(root, RulesDir, name)
		require.NoError(t, os.WriteFile(path, []byte("rule body"), 0o644))
	}
}

func TestLoad(t *testing.T) {
	wd := t.TempDir()
	writeManifest(t, wd,
		[]Rule{
			{Name: "rule1.md", Dirs: []string{"p1/dir1"}},
			{Name: "rule2.md", Dirs: []string{"p2"}, Skip: []string{"p2/vendor"}, Once: true},
			{Name: "rule3.md", Dirs: []string{"p1"}, Disabled: true},
		},
		[]string{"rule1.md", "rule2.md"})

	loaded, err := Load(wd, rulesProject)
	require.NoError(t, err)

	// Disabled rules are dropped at load time.
	require.Len(t, loaded, 2)
	assert.Equal(t, "rule1.md", loaded[0].Name)
	assert.Equal(t, "rule2.md", loaded[1].Name)
	assert.True(t, loaded[1].Once)
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing project root", func(t *testing.T) {
		_, err := Load(t.TempDir(), rulesProject)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoProjectRoot)
		assert.Contains(t, err.Error(), "No project root")
	})

	t.Run("missing config file", func(t *testing.T) {
		wd := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(wd, rulesProject), 0o755))

		_, err := Load(wd, rulesProject)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoConfigFile)
		assert.Contains(t, err.Error(), "No config file")
	})

	t.Run("duplicate rule names", func(t *testing.T) {
		wd := t.TempDir()
		writeManifest(t, wd,
			[]Rule{
				{Name: "rule1.md", Dirs: []string{"p1"}},
				{Name: "rule1.md", Dirs: []string{"p2"}},
			},
			[]string{"rule1.md"})

		_, err := Load(wd, rulesProject)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateRule)
		assert.Contains(t, err.Error(), "Loaded rules have duplicates")
	})

	t.Run("duplicate of a disabled rule is fine", func(t *testing.T) {
		wd := t.TempDir()
		writeManifest(t, wd,
			[]Rule{
				{Name: "rule1.md", Dirs: []string{"p1"}, Disabled: true},
				{Name: "rule1.md", Dirs: []string{"p2"}},
			},
			[]string{"rule1.md"})

		loaded, err := Load(wd, rulesProject)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, []string{"p2"}, loaded[0].Dirs)
	})

	t.Run("missing rule body", func(t *testing.T) {
		wd := t.TempDir()
		writeManifest(t, wd,
			[]Rule{{Name: "rule1.md", Dirs: []string{"p1"}}},
			nil)

		_, err := Load(wd, rulesProject)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRuleMissing)
		assert.Contains(t, err.Error(), "Rule does not exist")
	})

	t.Run("malformed manifest", func(t *testing.T) {
		wd := t.TempDir()
		root := filepath.Join(wd, rulesProject)
		require.NoError(t, os.MkdirAll(root, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, ConfigName), []byte("{not json"), 0o644))

		_, err := Load(wd, rulesProject)
		require.Error(t, err)
	})
}

func TestIsSubpath(t *testing.T) {
	tests := []struct {
		parent string
		child  string
		want   bool
	}{
		{"p1/dir1", "p1/dir1/file", true},
		{"p1/dir1", "p1/dir1", true},
		{"p1/dir1", "p1/dir1/sub/deep", true},
		{"p1/dir1", "p1/dir10/file", false},
		{"p1/dir1", "p1/dir_file", false},
		{"p1", "p2/file", false},
		{"p2/dir3", "p2/dir3/dir_file", true},
		{"p2/dir3/dir", "p2/dir3/dir_file", false},
		{"p1/dir1/", "p1/dir1/file", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSubpath(tt.parent, tt.child),
			"IsSubpath(%q, %q)", tt.parent, tt.child)
	}
}

func TestRuleApplicable(t *testing.T) {
	rule := Rule{
		Name: "rule3.md",
		Dirs: []string{"p1/dir2", "p2/dir3"},
		Skip: []string{"p2/dir3/dir"},
	}

	assert.True(t, rule.Applicable("p1/dir2/file1"))
	assert.True(t, rule.Applicable("p2/dir3/file1"))
	assert.True(t, rule.Applicable("p2/dir3/dir_file"))
	// Skip wins over dirs.
	assert.False(t, rule.Applicable("p2/dir3/dir/file"))
	assert.False(t, rule.Applicable("p1/other/file"))
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "rule1", CanonicalName("/wd/review_rules/REVIEW_RULES/rule1.md"))
	assert.Equal(t, "rule1", CanonicalName("rule1.md"))
	assert.Equal(t, "rule1", CanonicalName("rule1"))
}
