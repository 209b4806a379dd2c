package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zivhm/yacb/internal/agent"
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

var (
	// Global flags
	configPath string
	verbose    bool

	// Serve flags
	serveChannels []string

	// Query flags
	queryConversation string
	queryLimit        int
	usageChatID       string
	usageDays         int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "yacb",
	Short: "yacb - tiered multi-channel assistant runtime",
	Long: `yacb receives conversational messages from multiple channels, routes
each one to a model tier (light/medium/heavy), assembles bounded context
for the call, and durably persists every turn.

Run without arguments to start an interactive chat on the cli channel.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the turn-processing runtime",
	Long: `Starts the message bus and the turn orchestrator and serves the given
channels until interrupted. Channel adapters enqueue inbound messages
and drain outbound replies through the bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.serve(cmd.Context(), serveChannels, nil)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat on the cli channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", configPath)
		return nil
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recent turns for a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryConversation == "" {
			return fmt.Errorf("--chat is required (e.g. --chat telegram:42)")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		turns, err := st.Recent(queryConversation, queryLimit)
		if err != nil {
			return err
		}
		printTurns(turns)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search turns by input and reply text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		query := strings.Join(args, " ")
		turns, err := st.Search(queryConversation, query, queryConversation != "", queryLimit)
		if err != nil {
			return err
		}
		printTurns(turns)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage grouped by model",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		summary, err := st.UsageSummary(usageChatID, usageDays)
		if err != nil {
			return err
		}
		total, err := st.UsageTotal(usageDays)
		if err != nil {
			return err
		}

		if len(summary) == 0 {
			fmt.Printf("No usage recorded in the last %d days.\n", usageDays)
			return nil
		}
		for _, row := range summary {
			fmt.Printf("%-45s tier=%-7s calls=%-5d tokens=%-8d cost=$%.4f\n",
				row.Model, row.Tier, row.Calls, row.TotalTokens, row.Cost)
		}
		fmt.Printf("\nTotal: %d calls, %d tokens, $%.4f\n", total.Calls, total.TotalTokens, total.Cost)
		return nil
	},
}

// runtime bundles the wired components behind serve and chat.
type runtime struct {
	cfg          *config.Config
	bus          *bus.Bus
	store        *store.Store
	orchestrator *agent.Orchestrator
	watcher      *config.Watcher
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Workspace, logging.Options{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	mem, err := memory.New(cfg.Workspace, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := mem.EnsureDailyNote(); err != nil {
		logger.Warn("daily note unavailable", zap.Error(err))
	}

	asm := assembler.New(cfg.Context, st, mem, cfg.Workspace)
	rt := router.New(cfg.TierRouter, cfg.Model)
	b := bus.New(cfg.Bus.InboundCapacity, cfg.Bus.OutboundCapacity)
	orch := agent.New(cfg, b, st, mem, asm, rt, provider.NewFactory(cfg))

	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		orch.SwapRouter(router.New(updated.TierRouter, updated.Model))
		logger.Info("config reloaded; routing updated (other settings apply on restart)",
			zap.String("path", configPath), zap.String("model", updated.Model))
	})
	if err == nil {
		if err := watcher.Start(); err != nil {
			logger.Debug("config watcher not started", zap.Error(err))
			watcher = nil
		}
	} else {
		watcher = nil
	}

	return &runtime{cfg: cfg, bus: b, store: st, orchestrator: orch, watcher: watcher}, nil
}

func (r *runtime) close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	r.bus.Shutdown()
	if err := r.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
	logging.CloseAll()
}

// serve runs the orchestrator over the given channels until a signal
// or context cancellation, then shuts the bus down and waits for
// in-flight turns within the configured grace period.
func (r *runtime) serve(parent context.Context, channels []string, ready chan<- struct{}) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			r.bus.Shutdown()
		case <-ctx.Done():
		}
	}()

	logger.Info("yacb serving",
		zap.Strings("channels", channels),
		zap.String("workspace", r.cfg.Workspace),
		zap.String("model", r.cfg.Model))
	if ready != nil {
		close(ready)
	}
	return r.orchestrator.Run(ctx, channels...)
}

// runChat wires a minimal cli channel adapter over the bus: stdin in,
// stdout out.
func runChat() error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() { serveErr <- rt.serve(ctx, []string{"cli"}, ready) }()
	<-ready

	// Printer for outbound replies.
	go func() {
		for {
			out, err := rt.bus.DequeueOutbound(ctx, "cli")
			if err != nil {
				return
			}
			fmt.Printf("\n%s\n\n> ", out.Content)
		}
	}()

	fmt.Println("yacb interactive chat. Type a message, or /quit to exit.")
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			break
		}
		if line == "" {
			fmt.Print("> ")
			continue
		}
		err := rt.bus.EnqueueInbound(types.InboundMessage{
			Channel:   "cli",
			ChatID:    "local",
			SenderID:  "user",
			Content:   line,
			Timestamp: time.Now(),
		})
		if err != nil {
			fmt.Printf("message rejected: %v\n> ", err)
		}
	}

	cancel()
	rt.bus.Shutdown()
	return <-serveErr
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DatabasePath())
}

func printTurns(turns []types.Turn) {
	if len(turns) == 0 {
		fmt.Println("No turns found.")
		return
	}
	for _, turn := range turns {
		ts := turn.CreatedAt.Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %s #%d (%s, %s, %s)\n", ts, turn.ConversationID, turn.TurnNumber,
			turn.Tier, turn.Model, turn.Status)
		fmt.Printf("  user: %s\n", oneLine(turn.Input, 120))
		if turn.Reply != "" {
			fmt.Printf("  assistant: %s\n", oneLine(turn.Reply, 120))
		}
		if turn.ErrorDetail != "" {
			fmt.Printf("  error: %s\n", oneLine(turn.ErrorDetail, 120))
		}
	}
}

func oneLine(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) > maxChars {
		return compact[:maxChars-3] + "..."
	}
	return compact
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd.Flags().StringSliceVar(&serveChannels, "channels", []string{"cli"}, "Channels to serve")

	recentCmd.Flags().StringVar(&queryConversation, "chat", "", "Conversation id (channel:chat)")
	recentCmd.Flags().IntVar(&queryLimit, "limit", 20, "Maximum turns to show")
	searchCmd.Flags().StringVar(&queryConversation, "chat", "", "Limit search to one conversation")
	searchCmd.Flags().IntVar(&queryLimit, "limit", 20, "Maximum turns to show")
	usageCmd.Flags().StringVar(&usageChatID, "chat", "", "Limit to one chat id")
	usageCmd.Flags().IntVar(&usageDays, "days", 30, "Days of usage to include")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(usageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
