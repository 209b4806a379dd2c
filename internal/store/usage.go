package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zivhm/yacb/internal/types"
)

// UsageRow is accumulated token usage for one model.
type UsageRow struct {
	Model            string
	Tier             string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             float64
	Calls            int64
}

// LogUsage records token accounting for one model call.
func (s *Store) LogUsage(channel, chatID, model string, tier types.Tier, usage types.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO token_usage
		 (channel, chat_id, model, tier, prompt_tokens, completion_tokens, total_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		channel, chatID, model, string(tier),
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.Cost,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to log token usage: %w", err)
	}
	return nil
}

// UsageSummary returns usage over the last days grouped by model,
// highest cost first. chatID narrows to one chat when non-empty.
func (s *Store) UsageSummary(chatID string, days int) ([]UsageRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	var rows *sql.Rows
	var err error
	query := `SELECT model, tier,
			SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens),
			SUM(cost), COUNT(*)
		 FROM token_usage
		 WHERE timestamp >= ?`
	if chatID != "" {
		rows, err = s.db.Query(query+" AND chat_id = ? GROUP BY model ORDER BY SUM(cost) DESC", cutoff, chatID)
	} else {
		rows, err = s.db.Query(query+" GROUP BY model ORDER BY SUM(cost) DESC", cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var summary []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Model, &r.Tier, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.Calls); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		summary = append(summary, r)
	}
	return summary, rows.Err()
}

// UsageTotal returns usage totals across all models over the last days.
func (s *Store) UsageTotal(days int) (UsageRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	var total UsageRow
	var prompt, completion, tokens sql.NullInt64
	var cost sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(cost), COUNT(*)
		 FROM token_usage WHERE timestamp >= ?`,
		cutoff,
	).Scan(&prompt, &completion, &tokens, &cost, &total.Calls)
	if err != nil {
		return UsageRow{}, fmt.Errorf("failed to query usage total: %w", err)
	}
	total.PromptTokens = prompt.Int64
	total.CompletionTokens = completion.Int64
	total.TotalTokens = tokens.Int64
	total.Cost = cost.Float64
	return total, nil
}
