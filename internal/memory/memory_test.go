package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/yacb/internal/store"
)

func newTestMemory(t *testing.T) *Store {
	t.Helper()
	workspace := t.TempDir()
	db, err := store.Open(filepath.Join(workspace, "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := New(workspace, db)
	require.NoError(t, err)
	return m
}

func TestLongTermRoundTrip(t *testing.T) {
	m := newTestMemory(t)

	assert.Empty(t, m.ReadLongTerm())
	require.NoError(t, m.WriteLongTerm("# Memory\n\nUser likes Go.\n"))
	assert.Contains(t, m.ReadLongTerm(), "User likes Go.")
}

func TestEnsureDailyNoteUsesTemplate(t *testing.T) {
	m := newTestMemory(t)

	require.NoError(t, m.EnsureDailyNote())
	today := m.ReadToday()
	assert.Contains(t, today, "# "+time.Now().Format("2006-01-02"))
	assert.Contains(t, today, "## Notes")
	assert.Contains(t, today, "## Learnings")

	// Creating again must not clobber the existing note.
	require.NoError(t, m.AppendTodayNote("- met with the team"))
	require.NoError(t, m.EnsureDailyNote())
	assert.Contains(t, m.ReadToday(), "met with the team")
}

func TestEnsureDailyNoteCustomTemplate(t *testing.T) {
	m := newTestMemory(t)

	custom := "# Journal {date} {weekday}\n\n## Notes\n"
	require.NoError(t, os.WriteFile(filepath.Join(m.memoryDir, "daily_template.md"), []byte(custom), 0644))

	require.NoError(t, m.EnsureDailyNote())
	today := m.ReadToday()
	assert.Contains(t, today, "# Journal "+time.Now().Format("2006-01-02"))
	assert.Contains(t, today, time.Now().Weekday().String())
}

func TestAppendTodayNoteInsertsIntoSection(t *testing.T) {
	m := newTestMemory(t)

	require.NoError(t, m.AppendTodayNote("- first note"))
	require.NoError(t, m.AppendTodayNote("- second note"))

	today := m.ReadToday()
	notesIdx := strings.Index(today, "## Notes")
	learningsIdx := strings.Index(today, "## Learnings")
	firstIdx := strings.Index(today, "- first note")
	secondIdx := strings.Index(today, "- second note")

	require.GreaterOrEqual(t, notesIdx, 0)
	require.GreaterOrEqual(t, learningsIdx, 0)
	// Notes land inside the Notes section, in append order.
	assert.Greater(t, firstIdx, notesIdx)
	assert.Greater(t, secondIdx, firstIdx)
	assert.Less(t, secondIdx, learningsIdx)
}

func TestAppendTodayNoteIgnoresEmpty(t *testing.T) {
	m := newTestMemory(t)

	require.NoError(t, m.AppendTodayNote("   "))
	_, err := os.Stat(m.todayPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRecentDaily(t *testing.T) {
	m := newTestMemory(t)

	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, os.WriteFile(filepath.Join(m.dailyDir, yesterday+".md"), []byte("# yesterday\nold note\n"), 0644))
	require.NoError(t, m.AppendTodayNote("- today note"))

	recent := m.RecentDaily(7)
	assert.Contains(t, recent, "today note")
	assert.Contains(t, recent, "old note")
	// Newest first.
	assert.Less(t, strings.Index(recent, "today note"), strings.Index(recent, "old note"))
}

func TestItemLayerPassThrough(t *testing.T) {
	m := newTestMemory(t)

	id, err := m.Remember("user prefers metric units", "preferences", "conversation")
	require.NoError(t, err)

	items, err := m.Recall("metric", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "preferences", items[0].Category)

	overview := m.KnowledgeOverview()
	assert.Contains(t, overview, "user prefers metric units")

	removed, err := m.Forget(id)
	require.NoError(t, err)
	assert.True(t, removed)
}
