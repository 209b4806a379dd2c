package types

// HistoryEntry is one prior exchange included in a context bundle.
type HistoryEntry struct {
	Role    string // "user" or "assistant"
	Content string
}

// ContextBundle is the bounded set of text sections supplied to a model
// call. Assembled fresh per turn, never cached, never mutated once built.
type ContextBundle struct {
	History           []HistoryEntry
	Workspace         string // bootstrap/workspace documents excerpt
	ActiveSkills      string
	SkillsIndex       string
	LongTermMemory    string
	DailyNotes        string
	KnowledgeOverview string
}

// Sections returns the document sections in their prompt order, paired
// with headings. History is excluded; it is carried as messages.
func (b ContextBundle) Sections() []struct{ Heading, Body string } {
	return []struct{ Heading, Body string }{
		{"Workspace Files", b.Workspace},
		{"Memory", b.LongTermMemory},
		{"Today", b.DailyNotes},
		{"Knowledge", b.KnowledgeOverview},
		{"Active Skills", b.ActiveSkills},
		{"Skills", b.SkillsIndex},
	}
}
