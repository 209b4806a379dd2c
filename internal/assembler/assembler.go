// Package assembler builds the bounded Context Bundle for a turn:
// recent history, workspace documents, skills, and memory excerpts,
// each truncated to its own configured cap so no section can starve
// another.
package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zivhm/yacb/internal/config"
	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/memory"
	"github.com/zivhm/yacb/internal/skills"
	"github.com/zivhm/yacb/internal/store"
	"github.com/zivhm/yacb/internal/types"
)

// workspaceFiles are the bootstrap documents folded into the workspace
// section, in prompt order.
var workspaceFiles = []string{"BOOTSTRAP.md", "IDENTITY.md", "SOUL.md", "USER.md", "TOOLS.md", "AGENTS.md"}

// Assembler builds Context Bundles for one agent workspace.
type Assembler struct {
	cfg       config.ContextConfig
	store     *store.Store
	memory    *memory.Store
	skills    *skills.Loader
	workspace string
}

// New creates an assembler. The configuration is captured at
// construction so assembly stays deterministic for a given input.
func New(cfg config.ContextConfig, st *store.Store, mem *memory.Store, workspace string) *Assembler {
	return &Assembler{
		cfg:       cfg,
		store:     st,
		memory:    mem,
		skills:    skills.NewLoader(workspace),
		workspace: workspace,
	}
}

// Build assembles a fresh bundle for a conversation. Missing optional
// sections come back empty; Build itself never fails.
func (a *Assembler) Build(conversationID string) types.ContextBundle {
	timer := logging.StartTimer(logging.CategoryContext, "Build")
	defer timer.Stop()

	bundle := types.ContextBundle{
		History:           a.history(conversationID),
		Workspace:         clipMiddle(a.workspaceExcerpt(), a.cfg.WorkspaceMaxChars, "workspace files"),
		ActiveSkills:      clipMiddle(a.skills.AlwaysContent(), a.cfg.ActiveSkillsMaxChars, "active skills"),
		SkillsIndex:       clipMiddle(a.skills.IndexSummary(), a.cfg.SkillsIndexMaxChars, "skills index"),
		LongTermMemory:    clipMiddle(a.memory.ReadLongTerm(), a.cfg.LongTermMemoryMaxChars, "long-term memory"),
		DailyNotes:        clipMiddle(a.memory.ReadToday(), a.cfg.DailyNotesMaxChars, "daily notes"),
		KnowledgeOverview: clipMiddle(a.memory.KnowledgeOverview(), a.cfg.KnowledgeMaxChars, "knowledge overview"),
	}

	logging.ContextDebug("Bundle assembled: conversation=%s history=%d workspace=%d skills=%d",
		conversationID, len(bundle.History), len(bundle.Workspace), len(bundle.ActiveSkills))
	return bundle
}

// history returns the most recent turns as role-tagged entries. Only
// succeeded turns contribute an assistant entry; a failed turn's input
// is still visible so the model sees what was asked.
func (a *Assembler) history(conversationID string) []types.HistoryEntry {
	limit := a.cfg.HistoryMaxTurns
	if limit <= 0 {
		limit = 40
	}
	turns, err := a.store.Recent(conversationID, limit)
	if err != nil {
		logging.Context("History unavailable for %s: %v", conversationID, err)
		return nil
	}

	var entries []types.HistoryEntry
	for _, turn := range turns {
		if turn.Input != "" {
			entries = append(entries, types.HistoryEntry{Role: "user", Content: turn.Input})
		}
		if turn.Status == types.StatusSucceeded && turn.Reply != "" {
			entries = append(entries, types.HistoryEntry{Role: "assistant", Content: turn.Reply})
		}
	}
	return entries
}

// workspaceExcerpt joins the bootstrap documents present in the
// workspace root.
func (a *Assembler) workspaceExcerpt() string {
	var sections []string
	for _, name := range workspaceFiles {
		data, err := os.ReadFile(filepath.Join(a.workspace, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		sections = append(sections, "### "+name+"\n\n"+content)
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// RenderSystemPrompt flattens a bundle into the system prompt text.
// customPrompt replaces the default identity line when set.
func (a *Assembler) RenderSystemPrompt(bundle types.ContextBundle, customPrompt string) string {
	identity := customPrompt
	if identity == "" {
		identity = "You are a helpful personal assistant."
	}
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	parts := []string{fmt.Sprintf("%s\n\nCurrent time: %s\nWorkspace: %s", identity, now, a.workspace)}

	for _, section := range bundle.Sections() {
		if section.Body == "" {
			continue
		}
		parts = append(parts, "# "+section.Heading+"\n\n"+section.Body)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// clipMiddle truncates text over the cap, keeping the head and tail and
// marking the cut. Deterministic for a given input; the head/tail split
// preserves both document framing and the most recent content.
func clipMiddle(text string, maxChars int, label string) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	marker := fmt.Sprintf("\n\n...[%s truncated for prompt efficiency]...\n\n", label)
	keep := maxChars - len(marker)
	if keep <= 40 {
		return text[:runeStartBefore(text, maxChars)]
	}
	head := runeStartBefore(text, keep/2)
	tailStart := runeStartAfter(text, len(text)-(keep-head))
	return text[:head] + marker + text[tailStart:]
}

// runeStartBefore backs a byte offset off to the nearest rune boundary
// at or before it, so a cut never splits a multibyte rune.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter advances a byte offset to the nearest rune boundary at
// or after it.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
