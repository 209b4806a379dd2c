// Package memory implements the persistent memory hierarchy: raw files
// (MEMORY.md, daily notes) as the resource layer, with extracted items
// and auto-organized categories living in the session store.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/store"
)

const dailyTemplate = "# {date} ({weekday})\n\n## Notes\n\n## Learnings\n"

// Store is the workspace-scoped memory layer.
type Store struct {
	workspace string
	memoryDir string
	dailyDir  string
	db        *store.Store
}

// New creates the memory store rooted at a workspace, creating the
// memory directories if needed. db may be nil; the knowledge overview
// is then empty.
func New(workspace string, db *store.Store) (*Store, error) {
	memoryDir := filepath.Join(workspace, "memory")
	dailyDir := filepath.Join(memoryDir, "daily")
	if err := os.MkdirAll(dailyDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directories: %w", err)
	}
	return &Store{
		workspace: workspace,
		memoryDir: memoryDir,
		dailyDir:  dailyDir,
		db:        db,
	}, nil
}

func (m *Store) longTermPath() string { return filepath.Join(m.memoryDir, "MEMORY.md") }

func (m *Store) todayPath() string {
	return filepath.Join(m.dailyDir, time.Now().Format("2006-01-02")+".md")
}

// ReadLongTerm returns MEMORY.md, or empty when it does not exist.
func (m *Store) ReadLongTerm() string {
	data, err := os.ReadFile(m.longTermPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm replaces MEMORY.md wholesale.
func (m *Store) WriteLongTerm(content string) error {
	if err := os.WriteFile(m.longTermPath(), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write long-term memory: %w", err)
	}
	return nil
}

// ReadToday returns today's daily note, or empty when absent.
func (m *Store) ReadToday() string {
	data, err := os.ReadFile(m.todayPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// EnsureDailyNote creates today's note from the template when missing.
// A user-provided memory/daily_template.md overrides the built-in one;
// {date} and {weekday} placeholders are substituted in either.
func (m *Store) EnsureDailyNote() error {
	path := m.todayPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	template := dailyTemplate
	if data, err := os.ReadFile(filepath.Join(m.memoryDir, "daily_template.md")); err == nil {
		template = string(data)
	}

	now := time.Now()
	content := strings.ReplaceAll(template, "{date}", now.Format("2006-01-02"))
	content = strings.ReplaceAll(content, "{weekday}", now.Weekday().String())
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create daily note: %w", err)
	}
	logging.MemoryDebug("Created daily note: %s", filepath.Base(path))
	return nil
}

// AppendTodayNote appends a line under today's Notes section.
func (m *Store) AppendTodayNote(content string) error {
	return m.appendTodaySection("Notes", content)
}

// appendTodaySection inserts an entry at the end of a "## <section>"
// block, creating the section at the end of the file when absent.
func (m *Store) appendTodaySection(section, content string) error {
	entry := strings.TrimSpace(content)
	if entry == "" {
		return nil
	}
	if err := m.EnsureDailyNote(); err != nil {
		return err
	}

	text := m.ReadToday()
	lines := strings.Split(text, "\n")
	entryLines := strings.Split(entry, "\n")
	header := "## " + section

	sectionIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			sectionIdx = i
			break
		}
	}

	if sectionIdx < 0 {
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, header, "")
		lines = append(lines, entryLines...)
	} else {
		insertAt := len(lines)
		for i := sectionIdx + 1; i < len(lines); i++ {
			if strings.HasPrefix(lines[i], "## ") {
				insertAt = i
				break
			}
		}
		if insertAt > sectionIdx+1 && strings.TrimSpace(lines[insertAt-1]) != "" {
			lines = append(lines[:insertAt], append([]string{""}, lines[insertAt:]...)...)
			insertAt++
		}
		lines = append(lines[:insertAt], append(entryLines, lines[insertAt:]...)...)
	}

	out := strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
	if err := os.WriteFile(m.todayPath(), []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to append daily note: %w", err)
	}
	return nil
}

// RecentDaily concatenates daily notes for the last days, newest first,
// separated by a rule.
func (m *Store) RecentDaily(days int) string {
	var parts []string
	today := time.Now()
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		data, err := os.ReadFile(filepath.Join(m.dailyDir, date+".md"))
		if err != nil {
			continue
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Remember stores an extracted fact in the item layer.
func (m *Store) Remember(content, category, source string) (int64, error) {
	if m.db == nil {
		return 0, fmt.Errorf("memory item layer unavailable: no store")
	}
	return m.db.AddMemoryItem(content, category, source, 1.0)
}

// Forget removes a memory item, reporting whether it existed.
func (m *Store) Forget(id int64) (bool, error) {
	if m.db == nil {
		return false, fmt.Errorf("memory item layer unavailable: no store")
	}
	return m.db.RemoveMemoryItem(id)
}

// Recall searches memory items by keyword.
func (m *Store) Recall(query string, limit int) ([]store.MemoryItem, error) {
	if m.db == nil {
		return nil, nil
	}
	return m.db.SearchMemoryItems(query, limit)
}

// RecallCategory returns all items in a category.
func (m *Store) RecallCategory(category string, limit int) ([]store.MemoryItem, error) {
	if m.db == nil {
		return nil, nil
	}
	return m.db.MemoryItems(category, limit)
}

// KnowledgeOverview returns the category-layer overview text for
// prompt injection. Empty when the item layer is unavailable.
func (m *Store) KnowledgeOverview() string {
	if m.db == nil {
		return ""
	}
	overview, err := m.db.MemoryOverview()
	if err != nil {
		logging.MemoryDebug("Knowledge overview unavailable: %v", err)
		return ""
	}
	return overview
}
