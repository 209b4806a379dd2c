// Package agent implements the turn orchestrator: the per-turn state
// machine that routes an inbound message, assembles context, calls the
// model with the fallback policy, and persists the terminal outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zivhm/yacb/internal/assembler"
	"github.com/zivhm/yacb/internal/bus"
	"github.com/zivhm/yacb/internal/config"
	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/memory"
	"github.com/zivhm/yacb/internal/provider"
	"github.com/zivhm/yacb/internal/router"
	"github.com/zivhm/yacb/internal/store"
	"github.com/zivhm/yacb/internal/types"
)

// restartDetail is written to every turn found pending at startup.
const restartDetail = "canceled: interrupted by restart"

// workerQueueSize bounds the per-conversation handoff queue. The bus
// already provides the real backpressure bound; this only smooths
// bursts within one conversation.
const workerQueueSize = 16

// ClientFactory resolves a model identifier to a provider client.
type ClientFactory interface {
	ClientFor(model string) (provider.Client, error)
}

// Orchestrator drives turn processing: one dispatcher per channel, one
// serial worker per conversation. Turns within a conversation never
// overlap; distinct conversations proceed independently.
type Orchestrator struct {
	cfg       *config.Config
	bus       *bus.Bus
	store     *store.Store
	memory    *memory.Store
	assembler *assembler.Assembler
	clients   ClientFactory

	// router holds the current routing snapshot. Config reloads swap
	// in a fresh snapshot; in-flight turns keep the one they loaded.
	router atomic.Pointer[router.Router]

	callTimeout   time.Duration
	shutdownGrace time.Duration

	mu      sync.Mutex
	workers map[string]chan types.InboundMessage
	wg      sync.WaitGroup
}

// New creates an orchestrator over the given collaborators.
func New(cfg *config.Config, b *bus.Bus, st *store.Store, mem *memory.Store, asm *assembler.Assembler, rt *router.Router, clients ClientFactory) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		bus:           b,
		store:         st,
		memory:        mem,
		assembler:     asm,
		clients:       clients,
		callTimeout:   cfg.CallTimeout(),
		shutdownGrace: cfg.ShutdownGrace(),
		workers:       make(map[string]chan types.InboundMessage),
	}
	o.router.Store(rt)
	return o
}

// SwapRouter replaces the routing snapshot for all subsequent turns.
// Turns already routed keep the decision they were routed with.
func (o *Orchestrator) SwapRouter(rt *router.Router) {
	o.router.Store(rt)
}

// Run recovers abandoned turns, then serves the given channels until
// ctx is canceled or the bus shuts down. It returns after all
// conversation workers have drained.
func (o *Orchestrator) Run(ctx context.Context, channels ...string) error {
	recovered, err := o.store.RecoverPending(restartDetail)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		logging.Agent("Marked %d abandoned turn(s) failed on startup", recovered)
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		group.Go(func() error {
			return o.dispatch(ctx, channel)
		})
	}
	err = group.Wait()

	// Dispatchers are done; close worker queues and wait for in-flight
	// turns to finish.
	o.mu.Lock()
	for _, queue := range o.workers {
		close(queue)
	}
	o.workers = make(map[string]chan types.InboundMessage)
	o.mu.Unlock()
	o.wg.Wait()

	if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}

// dispatch pulls inbound messages for one channel and hands each to
// its conversation's serial worker.
func (o *Orchestrator) dispatch(ctx context.Context, channel string) error {
	logging.Agent("Serving channel: %s", channel)
	for {
		msg, err := o.bus.DequeueInbound(ctx, channel)
		if err != nil {
			logging.AgentDebug("Dispatcher for %s stopping: %v", channel, err)
			return err
		}
		o.workerFor(ctx, msg.ConversationID()) <- msg
	}
}

// workerFor returns the serial worker queue for a conversation,
// starting the worker on first use.
func (o *Orchestrator) workerFor(ctx context.Context, conversationID string) chan types.InboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	if queue, ok := o.workers[conversationID]; ok {
		return queue
	}
	queue := make(chan types.InboundMessage, workerQueueSize)
	o.workers[conversationID] = queue
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for msg := range queue {
			o.ProcessTurn(ctx, msg)
		}
	}()
	logging.AgentDebug("Started worker for conversation %s", conversationID)
	return queue
}

// ProcessTurn runs one message through the turn state machine:
// pending -> {succeeded, failed}, exactly once, at most two model-call
// attempts.
func (o *Orchestrator) ProcessTurn(ctx context.Context, msg types.InboundMessage) types.Turn {
	preview := msg.Content
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	logging.Agent("Processing [%s:%s]: %s", msg.Channel, msg.SenderID, preview)

	turn := types.Turn{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID(),
		Channel:        msg.Channel,
		AgentID:        o.cfg.Name,
		SenderID:       msg.SenderID,
		Input:          msg.Content,
		CreatedAt:      msg.Timestamp,
	}

	decision := o.router.Load().Route(msg.Content)
	turn.Tier = decision.Tier
	turn.Model = decision.Model

	if err := o.store.CreateTurn(&turn); err != nil {
		logging.StoreWarn("Could not create turn record: %v", err)
		turn.Status = types.StatusFailed
		turn.ErrorDetail = "storage error: " + err.Error()
		o.sendOutbound(msg, &turn)
		return turn
	}

	bundle := o.assembler.Build(turn.ConversationID)

	reply, usage, callErr := o.callWithFallback(ctx, &turn, decision, bundle)
	if callErr != nil {
		turn.Status = types.StatusFailed
		turn.ErrorDetail = callErr.Error()
	} else {
		turn.Status = types.StatusSucceeded
		turn.Reply = reply
	}

	if err := o.store.Complete(&turn); err != nil {
		// An un-persisted success cannot be guaranteed durable, so the
		// turn is reported failed either way.
		logging.StoreWarn("Could not persist turn outcome: conversation=%s turn=%d: %v",
			turn.ConversationID, turn.TurnNumber, err)
		turn.Status = types.StatusFailed
		turn.ErrorDetail = "storage error: " + err.Error()
		turn.Reply = ""
	}

	if turn.Status == types.StatusSucceeded {
		if err := o.store.LogUsage(msg.Channel, msg.ChatID, turn.Model, turn.Tier, usage); err != nil {
			logging.StoreWarn("Usage accounting failed: %v", err)
		}
		if turn.Tier == types.TierHeavy {
			o.appendHeavyDailyNote(&turn)
		}
	}

	o.sendOutbound(msg, &turn)
	return turn
}

// callWithFallback performs the model call under the fallback policy:
// a transient failure gets exactly one retry on the medium tier's
// model; a non-retryable failure or a second failure is terminal.
func (o *Orchestrator) callWithFallback(ctx context.Context, turn *types.Turn, decision types.RouteDecision, bundle types.ContextBundle) (string, types.Usage, error) {
	callCtx, cancel := o.graceContext(ctx)
	defer cancel()

	reply, usage, err := o.callModel(callCtx, decision.Model, decision.CleanedText, bundle)
	if err == nil {
		turn.Model = decision.Model
		return reply, usage, nil
	}
	if !provider.IsTransient(err) {
		logging.AgentWarn("Model %s failed (non-retryable): %v", decision.Model, err)
		return "", usage, err
	}

	fallbackModel := o.router.Load().ModelForTier(types.TierMedium)
	logging.AgentWarn("Model %s failed for this turn; retrying once with medium %s: %v",
		decision.Model, fallbackModel, err)

	reply, retryUsage, retryErr := o.callModel(callCtx, fallbackModel, decision.CleanedText, bundle)
	usage.Add(retryUsage)
	if retryErr != nil {
		return "", usage, retryErr
	}
	turn.Model = fallbackModel
	return reply, usage, nil
}

// callModel issues one provider call with the assembled context.
func (o *Orchestrator) callModel(ctx context.Context, model, input string, bundle types.ContextBundle) (string, types.Usage, error) {
	client, err := o.clients.ClientFor(model)
	if err != nil {
		return "", types.Usage{}, err
	}

	messages := make([]provider.Message, 0, len(bundle.History)+1)
	for _, entry := range bundle.History {
		messages = append(messages, provider.Message{Role: entry.Role, Content: entry.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: input})

	resp, err := client.Chat(ctx, provider.Request{
		Model:       model,
		System:      o.assembler.RenderSystemPrompt(bundle, o.cfg.Agent.SystemPrompt),
		Messages:    messages,
		MaxTokens:   o.cfg.Agent.MaxTokens,
		Temperature: o.cfg.Agent.Temperature,
	})
	if err != nil {
		return "", types.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// graceContext bounds a model call by the call timeout, and on
// shutdown gives the in-flight call a grace period to finish instead
// of cutting it off at the instant of cancellation.
func (o *Orchestrator) graceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	stop := context.AfterFunc(ctx, func() {
		grace := time.AfterFunc(o.shutdownGrace, cancel)
		context.AfterFunc(callCtx, func() { grace.Stop() })
	})
	return callCtx, func() {
		stop()
		cancel()
	}
}

// sendOutbound pushes the reply, or a short failure notice, onto the
// outbound queue. Failed turns never leak partial output.
func (o *Orchestrator) sendOutbound(msg types.InboundMessage, turn *types.Turn) {
	content := turn.Reply
	if turn.Status != types.StatusSucceeded {
		content = "Sorry, I couldn't process that message. Please try again."
		if strings.HasPrefix(turn.ErrorDetail, "storage error") {
			content = "Sorry, I couldn't save that exchange. Please try again."
		}
	}

	out := types.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Status:  turn.Status,
		Metadata: map[string]string{
			"model": turn.Model,
			"tier":  string(turn.Tier),
		},
	}
	if err := o.bus.EnqueueOutbound(out); err != nil {
		logging.AgentWarn("Outbound enqueue failed for %s:%s: %v", msg.Channel, msg.ChatID, err)
	}
}

// appendHeavyDailyNote records a compact line about a heavy turn in
// today's daily note.
func (o *Orchestrator) appendHeavyDailyNote(turn *types.Turn) {
	userSummary := shortNoteText(turn.Input, 90)
	resultSummary := shortNoteText(turn.Reply, 120)
	line := fmt.Sprintf("- %s [%s] Heavy update: %s", time.Now().Format("15:04"), turn.ConversationID, userSummary)
	if resultSummary != "No details" {
		line = line + " -> " + resultSummary
	}
	if err := o.memory.AppendTodayNote(line); err != nil {
		logging.MemoryDebug("Heavy daily note append skipped for %s: %v", turn.ConversationID, err)
	}
}

// shortNoteText compresses text to its first sentence, capped.
func shortNoteText(text string, maxChars int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return "No details"
	}
	for _, sep := range []string{".", "?", "!"} {
		if idx := strings.Index(cleaned, sep); idx > 0 {
			cleaned = cleaned[:idx]
			break
		}
	}
	cleaned = strings.Trim(cleaned, " -:,.")
	if cleaned == "" {
		return "No details"
	}
	if len(cleaned) <= maxChars {
		return cleaned
	}
	return strings.TrimRight(cleaned[:maxChars-3], " ") + "..."
}
