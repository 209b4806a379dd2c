package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zivhm/yacb/internal/logging"
)

// MemoryItem is one extracted fact or insight in the memory hierarchy.
type MemoryItem struct {
	ID         int64
	Content    string
	Category   string
	Source     string
	Confidence float64
	CreatedAt  time.Time
}

// MemoryCategory is an auto-organized topic group over memory items.
type MemoryCategory struct {
	Name      string
	Summary   string
	ItemCount int64
	UpdatedAt time.Time
}

// AddMemoryItem stores an extracted fact and ensures its category
// exists. Returns the new item's id.
func (s *Store) AddMemoryItem(content, category, source string, confidence float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if category == "" {
		category = "uncategorized"
	}
	if source == "" {
		source = "conversation"
	}
	now := time.Now().UTC().Format(timeLayout)

	res, err := s.db.Exec(
		`INSERT INTO memory_items (content, category, source, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		content, category, source, confidence, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add memory item: %w", err)
	}
	if err := s.ensureCategory(category); err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	logging.MemoryDebug("Memory item added: id=%d category=%s", id, category)
	return id, nil
}

// UpdateMemoryItem rewrites an item's content and/or category. Empty
// arguments leave the corresponding field untouched.
func (s *Store) UpdateMemoryItem(id int64, content, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	if content != "" {
		if _, err := s.db.Exec("UPDATE memory_items SET content = ?, updated_at = ? WHERE id = ?", content, now, id); err != nil {
			return fmt.Errorf("failed to update memory item: %w", err)
		}
	}
	if category != "" {
		if _, err := s.db.Exec("UPDATE memory_items SET category = ?, updated_at = ? WHERE id = ?", category, now, id); err != nil {
			return fmt.Errorf("failed to update memory item: %w", err)
		}
		if err := s.ensureCategory(category); err != nil {
			return err
		}
	}
	return s.refreshCategoryCounts()
}

// RemoveMemoryItem deletes an item, reporting whether it existed.
func (s *Store) RemoveMemoryItem(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM memory_items WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to remove memory item: %w", err)
	}
	if s.ftsEnabled {
		// External-content FTS has no delete trigger; rebuild is cheap
		// at memory-item scale.
		if _, err := s.db.Exec("INSERT INTO items_fts(items_fts) VALUES ('rebuild')"); err != nil {
			logging.StoreWarn("Failed to rebuild items FTS index: %v", err)
		}
	}
	if err := s.refreshCategoryCounts(); err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SearchMemoryItems returns items matching a query, newest first.
func (s *Store) SearchMemoryItems(query string, limit int) ([]MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if s.ftsEnabled {
		rows, err = s.db.Query(
			`SELECT m.id, m.content, m.category, m.source, m.confidence, m.created_at
			 FROM items_fts f
			 JOIN memory_items m ON f.rowid = m.id
			 WHERE items_fts MATCH ?
			 ORDER BY m.id DESC
			 LIMIT ?`,
			escapeFTSQuery(query), limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, content, category, source, confidence, created_at
			 FROM memory_items
			 WHERE content LIKE ?
			 ORDER BY id DESC
			 LIMIT ?`,
			"%"+query+"%", limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search memory items: %w", err)
	}
	defer rows.Close()

	return scanMemoryItems(rows)
}

// MemoryItems returns items newest first, optionally filtered by
// category, and bumps their access tracking.
func (s *Store) MemoryItems(category string, limit int) ([]MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(
			`SELECT id, content, category, source, confidence, created_at
			 FROM memory_items WHERE category = ? ORDER BY id DESC LIMIT ?`,
			category, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, content, category, source, confidence, created_at
			 FROM memory_items ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query memory items: %w", err)
	}
	items, err := scanMemoryItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		ids := make([]string, len(items))
		args := make([]any, 0, len(items)+1)
		args = append(args, time.Now().UTC().Format(timeLayout))
		for i, item := range items {
			ids[i] = "?"
			args = append(args, item.ID)
		}
		_, err = s.db.Exec(
			fmt.Sprintf("UPDATE memory_items SET access_count = access_count + 1, last_accessed = ? WHERE id IN (%s)",
				strings.Join(ids, ",")),
			args...,
		)
		if err != nil {
			logging.StoreWarn("Failed to bump memory item access counters: %v", err)
		}
	}
	return items, nil
}

// UpdateCategorySummary sets the one-line summary shown in overviews.
func (s *Store) UpdateCategorySummary(name, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	if _, err := s.db.Exec("UPDATE memory_categories SET summary = ?, updated_at = ? WHERE name = ?", summary, now, name); err != nil {
		return fmt.Errorf("failed to update category summary: %w", err)
	}
	return nil
}

// Categories returns non-empty categories ordered by item count.
func (s *Store) Categories() ([]MemoryCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshCategoryCounts(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT name, summary, item_count, updated_at
		 FROM memory_categories WHERE item_count > 0 ORDER BY item_count DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []MemoryCategory
	for rows.Next() {
		var c MemoryCategory
		var updatedAt string
		if err := rows.Scan(&c.Name, &c.Summary, &c.ItemCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		c.UpdatedAt = parseTime(updatedAt)
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// MemoryOverview builds a text overview of all categories and their
// top items, for injection into the prompt's knowledge section.
func (s *Store) MemoryOverview() (string, error) {
	categories, err := s.Categories()
	if err != nil {
		return "", err
	}
	if len(categories) == 0 {
		return "", nil
	}

	var parts []string
	for _, cat := range categories {
		header := fmt.Sprintf("### %s (%d items)", cat.Name, cat.ItemCount)
		if cat.Summary != "" {
			header += "\n" + cat.Summary
		}
		items, err := s.MemoryItems(cat.Name, 5)
		if err != nil {
			return "", err
		}
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = "- " + item.Content
		}
		parts = append(parts, header+"\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}

// ensureCategory creates a category row if missing. Caller holds the
// write lock.
func (s *Store) ensureCategory(name string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO memory_categories (name, created_at, updated_at) VALUES (?, ?, ?)",
		name, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure category: %w", err)
	}
	return nil
}

// refreshCategoryCounts recalculates item_count for all categories.
// Caller holds the write lock.
func (s *Store) refreshCategoryCounts() error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(
		`UPDATE memory_categories SET
			item_count = (SELECT COUNT(*) FROM memory_items WHERE memory_items.category = memory_categories.name),
			updated_at = ?`,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh category counts: %w", err)
	}
	return nil
}

func scanMemoryItems(rows *sql.Rows) ([]MemoryItem, error) {
	var items []MemoryItem
	for rows.Next() {
		var item MemoryItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Content, &item.Category, &item.Source, &item.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory item: %w", err)
		}
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}
