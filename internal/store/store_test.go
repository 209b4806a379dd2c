package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/yacb/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendRecentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := types.Turn{
		ID:             "turn-1",
		ConversationID: "telegram:42",
		Channel:        "telegram",
		AgentID:        "main",
		SenderID:       "user-9",
		Input:          "what is the capital of France?",
		Tier:           types.TierLight,
		Model:          "anthropic/claude-haiku-4-20250514",
		Reply:          "Paris.",
		Status:         types.StatusSucceeded,
		CreatedAt:      time.Now().UTC(),
		CompletedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Append(&want))
	assert.Equal(t, int64(1), want.TurnNumber)

	got, err := s.Recent("telegram:42", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	if diff := cmp.Diff(want, got[0], cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("round-tripped turn mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnNumbersAreMonotonicPerConversation(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		turn := &types.Turn{ID: "a", ConversationID: "discord:1", Channel: "discord", Input: "hello"}
		require.NoError(t, s.CreateTurn(turn))
		assert.Equal(t, int64(i+1), turn.TurnNumber)
	}

	// A different conversation numbers independently.
	other := &types.Turn{ID: "b", ConversationID: "discord:2", Channel: "discord", Input: "hey"}
	require.NoError(t, s.CreateTurn(other))
	assert.Equal(t, int64(1), other.TurnNumber)
}

func TestConcurrentWritersKeepConversationsIntact(t *testing.T) {
	s := newTestStore(t)

	const conversations = 4
	const turnsEach = 25

	var wg sync.WaitGroup
	errCh := make(chan error, conversations)
	for c := 0; c < conversations; c++ {
		conversationID := fmt.Sprintf("telegram:%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < turnsEach; i++ {
				turn := &types.Turn{
					ID:             fmt.Sprintf("%s-%d", conversationID, i),
					ConversationID: conversationID,
					Channel:        "telegram",
					Input:          fmt.Sprintf("message %d", i),
				}
				if err := s.CreateTurn(turn); err != nil {
					errCh <- err
					return
				}
				turn.Status = types.StatusSucceeded
				turn.Reply = "ok"
				turn.CompletedAt = time.Now().UTC()
				if err := s.Complete(turn); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// Every conversation keeps its own gap-free monotonic sequence with
	// no rows lost or attributed to another conversation.
	for c := 0; c < conversations; c++ {
		conversationID := fmt.Sprintf("telegram:%d", c)
		turns, err := s.Recent(conversationID, turnsEach*2)
		require.NoError(t, err)
		require.Len(t, turns, turnsEach)
		for i, turn := range turns {
			assert.Equal(t, int64(i+1), turn.TurnNumber)
			assert.Equal(t, conversationID, turn.ConversationID)
			assert.Equal(t, types.StatusSucceeded, turn.Status)
		}
	}
}

func TestCompleteIsWriteOnce(t *testing.T) {
	s := newTestStore(t)

	turn := &types.Turn{ID: "t1", ConversationID: "cli:local", Channel: "cli", Input: "do a thing"}
	require.NoError(t, s.CreateTurn(turn))

	turn.Status = types.StatusSucceeded
	turn.Reply = "done"
	turn.Model = "openai/gpt-4o-mini"
	require.NoError(t, s.Complete(turn))

	// A second terminal write must be rejected.
	turn.Status = types.StatusFailed
	turn.ErrorDetail = "late failure"
	err := s.Complete(turn)
	require.Error(t, err)

	got, err := s.Recent("cli:local", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.StatusSucceeded, got[0].Status)
	assert.Equal(t, "done", got[0].Reply)
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)

	turn := &types.Turn{ID: "t1", ConversationID: "cli:local", Channel: "cli", Input: "x"}
	require.NoError(t, s.CreateTurn(turn))

	turn.Status = types.StatusPending
	require.Error(t, s.Complete(turn))
}

func TestRecentReturnsChronologicalWindow(t *testing.T) {
	s := newTestStore(t)

	for i, input := range []string{"first", "second", "third", "fourth"} {
		turn := &types.Turn{
			ID:             "t",
			ConversationID: "telegram:7",
			Channel:        "telegram",
			Input:          input,
			Status:         types.StatusSucceeded,
			Reply:          "ok",
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Append(turn))
	}

	got, err := s.Recent("telegram:7", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Input)
	assert.Equal(t, "fourth", got[1].Input)
}

func TestSearchScopedAndGlobal(t *testing.T) {
	s := newTestStore(t)

	appendTurn := func(conversation, input, reply string) {
		turn := &types.Turn{
			ID:             "t",
			ConversationID: conversation,
			Channel:        "telegram",
			Input:          input,
			Reply:          reply,
			Status:         types.StatusSucceeded,
		}
		require.NoError(t, s.Append(turn))
	}
	appendTurn("telegram:1", "tell me about volcanoes", "volcanoes are vents")
	appendTurn("telegram:2", "volcanoes again", "still vents")
	appendTurn("telegram:1", "unrelated question", "unrelated answer")

	global, err := s.Search("", "volcanoes", false, 10)
	require.NoError(t, err)
	assert.Len(t, global, 2)

	scoped, err := s.Search("telegram:2", "volcanoes", true, 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "telegram:2", scoped[0].ConversationID)

	// Replies are indexed too.
	byReply, err := s.Search("", "vents", false, 10)
	require.NoError(t, err)
	assert.Len(t, byReply, 2)

	none, err := s.Search("", "nonexistent-term", false, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchQuotesUserInput(t *testing.T) {
	s := newTestStore(t)

	turn := &types.Turn{
		ID:             "t",
		ConversationID: "cli:local",
		Channel:        "cli",
		Input:          `quotes "inside" input`,
		Status:         types.StatusSucceeded,
	}
	require.NoError(t, s.Append(turn))

	// FTS operators in the query must not break the statement.
	_, err := s.Search("", `"unbalanced AND (`, false, 10)
	assert.NoError(t, err)
}

func TestRecoverPendingMarksAbandonedTurnsFailed(t *testing.T) {
	s := newTestStore(t)

	pending := &types.Turn{ID: "p1", ConversationID: "telegram:5", Channel: "telegram", Input: "in flight"}
	require.NoError(t, s.CreateTurn(pending))

	done := &types.Turn{ID: "d1", ConversationID: "telegram:5", Channel: "telegram", Input: "finished", Status: types.StatusSucceeded}
	require.NoError(t, s.Append(done))

	recovered, err := s.RecoverPending("canceled: interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := s.Recent("telegram:5", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.StatusFailed, got[0].Status)
	assert.Equal(t, "canceled: interrupted by restart", got[0].ErrorDetail)
	assert.False(t, got[0].CompletedAt.IsZero())
	assert.Equal(t, types.StatusSucceeded, got[1].Status)
}

func TestTurnsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := Open(path)
	require.NoError(t, err)
	turn := &types.Turn{ID: "t", ConversationID: "cli:local", Channel: "cli", Input: "persist me", Status: types.StatusSucceeded, Reply: "ok"}
	require.NoError(t, s.Append(turn))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Recent("cli:local", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persist me", got[0].Input)
}

func TestMemoryItemsAndCategories(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.AddMemoryItem("user prefers short answers", "preferences", "conversation", 1.0)
	require.NoError(t, err)
	_, err = s.AddMemoryItem("project deadline is Friday", "work", "conversation", 0.9)
	require.NoError(t, err)

	items, err := s.MemoryItems("preferences", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "user prefers short answers", items[0].Content)

	found, err := s.SearchMemoryItems("deadline", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "work", found[0].Category)

	require.NoError(t, s.UpdateCategorySummary("work", "current projects"))
	categories, err := s.Categories()
	require.NoError(t, err)
	require.Len(t, categories, 2)

	overview, err := s.MemoryOverview()
	require.NoError(t, err)
	assert.Contains(t, overview, "### preferences (1 items)")
	assert.Contains(t, overview, "current projects")
	assert.Contains(t, overview, "- project deadline is Friday")

	removed, err := s.RemoveMemoryItem(id1)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveMemoryItem(9999)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUsageSummary(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogUsage("telegram", "42", "openai/gpt-4o-mini", types.TierLight,
		types.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Cost: 0.01}))
	require.NoError(t, s.LogUsage("telegram", "42", "openai/gpt-4o-mini", types.TierLight,
		types.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, Cost: 0.005}))
	require.NoError(t, s.LogUsage("telegram", "99", "anthropic/claude-sonnet-4-20250514", types.TierHeavy,
		types.Usage{PromptTokens: 400, CompletionTokens: 200, TotalTokens: 600, Cost: 0.2}))

	summary, err := s.UsageSummary("", 30)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", summary[0].Model)
	assert.Equal(t, int64(1), summary[0].Calls)

	scoped, err := s.UsageSummary("42", 30)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, int64(2), scoped[0].Calls)
	assert.Equal(t, int64(180), scoped[0].TotalTokens)

	total, err := s.UsageTotal(30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total.Calls)
	assert.Equal(t, int64(780), total.TotalTokens)
	assert.InDelta(t, 0.215, total.Cost, 1e-9)
}
