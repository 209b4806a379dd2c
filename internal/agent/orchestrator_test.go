package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zivhm/yacb/internal/assembler"
	"github.com/zivhm/yacb/internal/bus"
	"github.com/zivhm/yacb/internal/config"
	"github.com/zivhm/yacb/internal/memory"
	"github.com/zivhm/yacb/internal/provider"
	"github.com/zivhm/yacb/internal/router"
	"github.com/zivhm/yacb/internal/store"
	"github.com/zivhm/yacb/internal/types"
)

// scriptedClient returns canned outcomes in order and records every
// call it receives.
type scriptedClient struct {
	mu       sync.Mutex
	outcomes []func() (*provider.Response, error)
	calls    []provider.Request
	inFlight int
	maxSeen  int
}

func (c *scriptedClient) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	var outcome func() (*provider.Response, error)
	if len(c.outcomes) > 0 {
		outcome = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()

	if outcome != nil {
		return outcome()
	}
	return &provider.Response{Content: "ok", Model: req.Model, Usage: types.Usage{TotalTokens: 10}}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeFactory serves one shared scripted client for every model.
type fakeFactory struct {
	client *scriptedClient
}

func (f *fakeFactory) ClientFor(model string) (provider.Client, error) {
	return f.client, nil
}

func succeed(content string) func() (*provider.Response, error) {
	return func() (*provider.Response, error) {
		return &provider.Response{Content: content, Usage: types.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10}}, nil
	}
}

func fail(class provider.FailureClass, msg string) func() (*provider.Response, error) {
	return func() (*provider.Response, error) {
		return nil, &provider.CallError{Class: class, Err: errors.New(msg)}
	}
}

func testConfig(workspace string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workspace = workspace
	cfg.TierRouter.Tiers.Light.Model = "test/light-model"
	cfg.TierRouter.Tiers.Medium.Model = "test/medium-model"
	cfg.TierRouter.Tiers.Heavy.Model = "test/heavy-model"
	cfg.Agent.CallTimeout = "5s"
	cfg.Agent.ShutdownGrace = "100ms"
	return cfg
}

func newTestOrchestrator(t *testing.T, client *scriptedClient) (*Orchestrator, *bus.Bus, *store.Store) {
	t.Helper()
	workspace := t.TempDir()
	cfg := testConfig(workspace)

	st, err := store.Open(filepath.Join(workspace, "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mem, err := memory.New(workspace, st)
	require.NoError(t, err)

	asm := assembler.New(cfg.Context, st, mem, workspace)
	rt := router.New(cfg.TierRouter, cfg.Model)
	b := bus.New(cfg.Bus.InboundCapacity, cfg.Bus.OutboundCapacity)
	t.Cleanup(b.Shutdown)

	return New(cfg, b, st, mem, asm, rt, &fakeFactory{client: client}), b, st
}

func inbound(content string) types.InboundMessage {
	return types.InboundMessage{
		Channel:   "telegram",
		ChatID:    "42",
		SenderID:  "user-1",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestProcessTurnSucceeds(t *testing.T) {
	client := &scriptedClient{outcomes: []func() (*provider.Response, error){succeed("hello back")}}
	o, b, st := newTestOrchestrator(t, client)

	turn := o.ProcessTurn(context.Background(), inbound("hi"))

	assert.Equal(t, types.StatusSucceeded, turn.Status)
	assert.Equal(t, "hello back", turn.Reply)
	assert.Equal(t, types.TierLight, turn.Tier)
	assert.Equal(t, "test/light-model", turn.Model)
	assert.Equal(t, 1, client.callCount())

	// Persisted terminally.
	stored, err := st.Recent("telegram:42", 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StatusSucceeded, stored[0].Status)
	assert.Equal(t, "hello back", stored[0].Reply)

	// Reply on the outbound queue.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := b.DequeueOutbound(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, "hello back", out.Content)
	assert.Equal(t, types.StatusSucceeded, out.Status)
}

func TestTransientFailureRetriesOnceWithMediumModel(t *testing.T) {
	client := &scriptedClient{outcomes: []func() (*provider.Response, error){
		fail(provider.FailureTransient, "rate limit exceeded"),
		succeed("recovered"),
	}}
	o, _, _ := newTestOrchestrator(t, client)

	turn := o.ProcessTurn(context.Background(), inbound("please debug this code for me, it crashes on start"))

	assert.Equal(t, types.StatusSucceeded, turn.Status)
	assert.Equal(t, "recovered", turn.Reply)
	assert.Equal(t, types.TierHeavy, turn.Tier)
	// The recorded model is the fallback, not the tier-resolved one.
	assert.Equal(t, "test/medium-model", turn.Model)
	require.Equal(t, 2, client.callCount())
	assert.Equal(t, "test/heavy-model", client.calls[0].Model)
	assert.Equal(t, "test/medium-model", client.calls[1].Model)
}

func TestNonRetryableFailureNeverRetries(t *testing.T) {
	client := &scriptedClient{outcomes: []func() (*provider.Response, error){
		fail(provider.FailureNonRetryable, "invalid api key"),
	}}
	o, b, st := newTestOrchestrator(t, client)

	turn := o.ProcessTurn(context.Background(), inbound("hi"))

	assert.Equal(t, types.StatusFailed, turn.Status)
	assert.Contains(t, turn.ErrorDetail, "invalid api key")
	assert.Equal(t, 1, client.callCount())

	stored, err := st.Recent("telegram:42", 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StatusFailed, stored[0].Status)

	// The failure notice carries no partial output.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := b.DequeueOutbound(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.NotContains(t, out.Content, "invalid api key")
	assert.Contains(t, out.Content, "couldn't process")
}

func TestAtMostTwoAttempts(t *testing.T) {
	client := &scriptedClient{outcomes: []func() (*provider.Response, error){
		fail(provider.FailureTransient, "server error"),
		fail(provider.FailureTransient, "server error"),
	}}
	o, _, _ := newTestOrchestrator(t, client)

	turn := o.ProcessTurn(context.Background(), inbound("hi"))

	assert.Equal(t, types.StatusFailed, turn.Status)
	assert.Equal(t, 2, client.callCount())
}

func TestHeavyTurnAppendsDailyNote(t *testing.T) {
	client := &scriptedClient{outcomes: []func() (*provider.Response, error){succeed("Refactored the module.")}}
	o, _, _ := newTestOrchestrator(t, client)

	turn := o.ProcessTurn(context.Background(), inbound("refactor the storage layer to use a single writer"))
	require.Equal(t, types.StatusSucceeded, turn.Status)
	require.Equal(t, types.TierHeavy, turn.Tier)

	today := o.memory.ReadToday()
	assert.Contains(t, today, "Heavy update: refactor the storage layer to use a single writer")
	assert.Contains(t, today, "-> Refactored the module")
}

func TestSwapRouterAppliesToSubsequentTurns(t *testing.T) {
	client := &scriptedClient{}
	o, _, _ := newTestOrchestrator(t, client)

	first := o.ProcessTurn(context.Background(), inbound("hi"))
	require.Equal(t, types.StatusSucceeded, first.Status)
	assert.Equal(t, "test/light-model", first.Model)

	// A reloaded config produces a fresh routing snapshot.
	updated := testConfig(t.TempDir())
	updated.TierRouter.Tiers.Light.Model = "test/updated-light-model"
	o.SwapRouter(router.New(updated.TierRouter, updated.Model))

	second := o.ProcessTurn(context.Background(), inbound("hi again"))
	require.Equal(t, types.StatusSucceeded, second.Status)
	assert.Equal(t, "test/updated-light-model", second.Model)
	require.Equal(t, 2, client.callCount())
	assert.Equal(t, "test/updated-light-model", client.calls[1].Model)
}

func TestRunRecoversPendingTurnsOnStartup(t *testing.T) {
	client := &scriptedClient{}
	o, b, st := newTestOrchestrator(t, client)

	abandoned := &types.Turn{ID: "a", ConversationID: "telegram:42", Channel: "telegram", Input: "lost"}
	require.NoError(t, st.CreateTurn(abandoned))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, "telegram") }()

	// Let startup recovery run, then shut down.
	require.Eventually(t, func() bool {
		turns, err := st.Recent("telegram:42", 1)
		return err == nil && len(turns) == 1 && turns[0].Status == types.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	b.Shutdown()
	require.NoError(t, <-done)

	turns, err := st.Recent("telegram:42", 1)
	require.NoError(t, err)
	assert.Equal(t, "canceled: interrupted by restart", turns[0].ErrorDetail)
}

func TestRunProcessesConversationsSeriallyPerConversation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	client := &scriptedClient{}
	o, b, _ := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, "telegram") }()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.EnqueueInbound(inbound("hi")))
	}

	// Drain the five replies.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	for i := 0; i < 5; i++ {
		_, err := b.DequeueOutbound(drainCtx, "telegram")
		require.NoError(t, err)
	}

	cancel()
	b.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, 5, client.callCount())
	// One conversation means one worker: calls never overlap.
	assert.Equal(t, 1, client.maxSeen)
}

func TestRunKeepsParallelConversationsIntact(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	client := &scriptedClient{}
	o, b, st := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, "telegram") }()

	// Interleave messages across distinct conversations so their
	// workers run in parallel against the shared store.
	const chats = 4
	const turnsEach = 3
	for i := 0; i < turnsEach; i++ {
		for c := 0; c < chats; c++ {
			msg := inbound(fmt.Sprintf("message %d", i))
			msg.ChatID = fmt.Sprintf("%d", c)
			require.NoError(t, b.EnqueueInbound(msg))
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	for i := 0; i < chats*turnsEach; i++ {
		_, err := b.DequeueOutbound(drainCtx, "telegram")
		require.NoError(t, err)
	}

	cancel()
	b.Shutdown()
	require.NoError(t, <-done)
	assert.Equal(t, chats*turnsEach, client.callCount())

	// Each conversation keeps its own ordered, gap-free record.
	for c := 0; c < chats; c++ {
		conversationID := fmt.Sprintf("telegram:%d", c)
		turns, err := st.Recent(conversationID, turnsEach*2)
		require.NoError(t, err)
		require.Len(t, turns, turnsEach)
		for i, turn := range turns {
			assert.Equal(t, int64(i+1), turn.TurnNumber)
			assert.Equal(t, types.StatusSucceeded, turn.Status)
			assert.Equal(t, fmt.Sprintf("message %d", i), turn.Input)
		}
	}
}

func TestShortNoteText(t *testing.T) {
	assert.Equal(t, "No details", shortNoteText("   ", 90))
	assert.Equal(t, "First sentence", shortNoteText("First sentence. Second one.", 90))
	long := "word word word word word word word word word word word word word word word word word word word word"
	shortened := shortNoteText(long, 40)
	assert.LessOrEqual(t, len(shortened), 40)
	assert.Contains(t, shortened, "...")
}
