package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, workspace, name, content string) {
	t.Helper()
	dir := filepath.Join(workspace, "skills", name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0644))
}

func TestListParsesFrontmatter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "weather", "---\nname: weather\ndescription: Fetch weather forecasts\nalways: true\n---\n\nUse the forecast API.\n")
	writeSkill(t, workspace, "notes", "---\ndescription: Take notes\n---\n\nAppend notes to daily file.\n")
	writeSkill(t, workspace, "bare", "No frontmatter here.\n")

	loader := NewLoader(workspace)
	all := loader.List()
	require.Len(t, all, 3)

	// Sorted by name.
	assert.Equal(t, "bare", all[0].Name)
	assert.Equal(t, "notes", all[1].Name)
	assert.Equal(t, "weather", all[2].Name)

	assert.Equal(t, "Fetch weather forecasts", all[2].Description)
	assert.True(t, all[2].Always)
	assert.False(t, all[1].Always)
	// Description falls back to the skill name.
	assert.Equal(t, "bare", all[0].Description)
}

func TestListMissingDirectory(t *testing.T) {
	loader := NewLoader(t.TempDir())
	assert.Empty(t, loader.List())
	assert.Empty(t, loader.AlwaysContent())
	assert.Empty(t, loader.IndexSummary())
}

func TestLoadStripsFrontmatter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "weather", "---\ndescription: Weather\n---\n\nBody text.\n")

	loader := NewLoader(workspace)
	assert.Equal(t, "Body text.", loader.Load("weather"))
	assert.Empty(t, loader.Load("missing"))
}

func TestAlwaysContentOnlyIncludesAlwaysSkills(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "core", "---\ndescription: Core rules\nalways: true\n---\n\nAlways follow these.\n")
	writeSkill(t, workspace, "optional", "---\ndescription: Optional\n---\n\nOnly on demand.\n")

	content := NewLoader(workspace).AlwaysContent()
	assert.Contains(t, content, "### Skill: core")
	assert.Contains(t, content, "Always follow these.")
	assert.NotContains(t, content, "Only on demand.")
}

func TestIndexSummaryEscapesAndShortens(t *testing.T) {
	workspace := t.TempDir()
	long := "Handles <html> & other markup with a description long enough that it must be shortened to fit the index limit for skill summaries"
	writeSkill(t, workspace, "markup", "---\ndescription: "+long+"\n---\n\nBody.\n")

	summary := NewLoader(workspace).IndexSummary()
	assert.Contains(t, summary, "<skills>")
	assert.Contains(t, summary, "<name>markup</name>")
	assert.Contains(t, summary, "&lt;html&gt; &amp; other")
	assert.Contains(t, summary, "...")
	assert.NotContains(t, summary, "summaries")
	assert.Contains(t, summary, "<location>skills/markup/SKILL.md</location>")
}
