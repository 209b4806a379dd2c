package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/types"
)

const timeLayout = time.RFC3339Nano

// CreateTurn inserts a new pending Turn and assigns it the next turn
// number within its conversation. The write lock makes the
// number-assignment and insert atomic with respect to other writers.
func (s *Store) CreateTurn(turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Status = types.StatusPending

	var next int64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(turn_number), 0) + 1 FROM turns WHERE conversation_id = ?",
		turn.ConversationID,
	).Scan(&next)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to assign turn number: conversation=%s: %v", turn.ConversationID, err)
		return fmt.Errorf("failed to assign turn number: %w", err)
	}
	turn.TurnNumber = next

	_, err = s.db.Exec(
		`INSERT INTO turns (id, conversation_id, turn_number, channel, agent_id, sender_id, input, tier, model, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.TurnNumber, turn.Channel, turn.AgentID, turn.SenderID,
		turn.Input, string(turn.Tier), turn.Model, string(turn.Status), turn.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create turn: conversation=%s turn=%d: %v", turn.ConversationID, turn.TurnNumber, err)
		return fmt.Errorf("failed to create turn: %w", err)
	}

	logging.StoreDebug("Turn created: conversation=%s turn=%d input_len=%d",
		turn.ConversationID, turn.TurnNumber, len(turn.Input))
	return nil
}

// Complete persists a Turn's terminal outcome in one atomic update.
// The turn must already have a terminal status set.
func (s *Store) Complete(turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !turn.Status.Terminal() {
		return fmt.Errorf("turn %s/%d has non-terminal status %q", turn.ConversationID, turn.TurnNumber, turn.Status)
	}
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`UPDATE turns
		 SET tier = ?, model = ?, reply = ?, status = ?, error_detail = ?, completed_at = ?
		 WHERE conversation_id = ? AND turn_number = ? AND status = 'pending'`,
		string(turn.Tier), turn.Model, turn.Reply, string(turn.Status), turn.ErrorDetail,
		turn.CompletedAt.Format(timeLayout), turn.ConversationID, turn.TurnNumber,
	)
	if err != nil {
		logging.StoreWarn("Failed to persist turn outcome: conversation=%s turn=%d: %v", turn.ConversationID, turn.TurnNumber, err)
		return fmt.Errorf("failed to persist turn: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("turn %s/%d is not pending; terminal state is write-once", turn.ConversationID, turn.TurnNumber)
	}

	logging.StoreDebug("Turn completed: conversation=%s turn=%d status=%s model=%s",
		turn.ConversationID, turn.TurnNumber, turn.Status, turn.Model)
	return nil
}

// Append persists an already-terminal Turn in a single insert,
// assigning its turn number. Used for record-at-once callers; live
// turn processing goes through CreateTurn/Complete instead.
func (s *Store) Append(turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !turn.Status.Terminal() {
		return fmt.Errorf("append requires a terminal turn, got status %q", turn.Status)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = turn.CreatedAt
	}

	var next int64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(turn_number), 0) + 1 FROM turns WHERE conversation_id = ?",
		turn.ConversationID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to assign turn number: %w", err)
	}
	turn.TurnNumber = next

	_, err = s.db.Exec(
		`INSERT INTO turns (id, conversation_id, turn_number, channel, agent_id, sender_id, input, tier, model, reply, status, error_detail, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.TurnNumber, turn.Channel, turn.AgentID, turn.SenderID,
		turn.Input, string(turn.Tier), turn.Model, turn.Reply, string(turn.Status), turn.ErrorDetail,
		turn.CreatedAt.Format(timeLayout), turn.CompletedAt.Format(timeLayout),
	)
	if err != nil {
		logging.StoreWarn("Failed to append turn: conversation=%s: %v", turn.ConversationID, err)
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// Recent returns the most recent limit Turns for a conversation in
// chronological order.
func (s *Store) Recent(conversationID string, limit int) ([]types.Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Recent")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		turnColumns+` FROM turns
		 WHERE conversation_id = ?
		 ORDER BY turn_number DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first from the query; callers want chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Search returns Turns whose input or reply matches the query, most
// recent first. When chatOnly is set the search is scoped to the one
// conversation; otherwise scope is ignored and all conversations match.
func (s *Store) Search(conversationID, query string, chatOnly bool, limit int) ([]types.Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if s.ftsEnabled {
		q := turnColumnsPrefixed + ` FROM turns_fts f
			 JOIN turns t ON f.rowid = t.rowid
			 WHERE turns_fts MATCH ?`
		args := []any{escapeFTSQuery(query)}
		if chatOnly {
			q += " AND t.conversation_id = ?"
			args = append(args, conversationID)
		}
		q += " ORDER BY t.rowid DESC LIMIT ?"
		args = append(args, limit)
		rows, err = s.db.Query(q, args...)
	} else {
		q := turnColumns + ` FROM turns
			 WHERE (input LIKE ? OR reply LIKE ?)`
		pattern := "%" + query + "%"
		args := []any{pattern, pattern}
		if chatOnly {
			q += " AND conversation_id = ?"
			args = append(args, conversationID)
		}
		q += " ORDER BY rowid DESC LIMIT ?"
		args = append(args, limit)
		rows, err = s.db.Query(q, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// RecoverPending marks every pending Turn as failed with the given
// detail. Called once at startup: a pending Turn found after a restart
// was abandoned mid-flight and must not stay pending.
func (s *Store) RecoverPending(detail string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(
		`UPDATE turns SET status = 'failed', error_detail = ?, completed_at = ? WHERE status = 'pending'`,
		detail, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover pending turns: %w", err)
	}
	recovered, _ := res.RowsAffected()
	if recovered > 0 {
		logging.StoreWarn("Recovered %d abandoned pending turn(s) as failed", recovered)
	}
	return recovered, nil
}

const turnColumns = `SELECT id, conversation_id, turn_number, channel, agent_id, sender_id, input, tier, model, reply, status, error_detail, created_at, completed_at`

const turnColumnsPrefixed = `SELECT t.id, t.conversation_id, t.turn_number, t.channel, t.agent_id, t.sender_id, t.input, t.tier, t.model, t.reply, t.status, t.error_detail, t.created_at, t.completed_at`

func scanTurns(rows *sql.Rows) ([]types.Turn, error) {
	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		var tier, status, createdAt, completedAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnNumber, &t.Channel, &t.AgentID, &t.SenderID,
			&t.Input, &tier, &t.Model, &t.Reply, &status, &t.ErrorDetail, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Tier = types.Tier(tier)
		t.Status = types.TurnStatus(status)
		t.CreatedAt = parseTime(createdAt)
		t.CompletedAt = parseTime(completedAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}
