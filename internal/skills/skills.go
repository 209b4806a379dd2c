// Package skills loads workspace skill documents (skills/<name>/SKILL.md
// with yaml frontmatter). Always-on skills are inlined into the prompt;
// the rest are summarized into a compact index.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zivhm/yacb/internal/logging"
)

const maxDescriptionChars = 90

// Skill is one loaded skill document.
type Skill struct {
	Name        string
	Description string
	Always      bool
	Path        string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Always      bool   `yaml:"always"`
}

// Loader reads skills from a workspace's skills directory.
type Loader struct {
	skillsDir string
}

// NewLoader creates a loader rooted at a workspace.
func NewLoader(workspace string) *Loader {
	return &Loader{skillsDir: filepath.Join(workspace, "skills")}
}

// List returns all skills sorted by name. A missing skills directory
// yields an empty list, not an error.
func (l *Loader) List() []Skill {
	entries, err := os.ReadDir(l.skillsDir)
	if err != nil {
		return nil
	}

	var result []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.skillsDir, entry.Name(), "SKILL.md")
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		skill := Skill{Name: entry.Name(), Path: path}
		if fm, ok := parseFrontmatter(string(content)); ok {
			if fm.Description != "" {
				skill.Description = fm.Description
			}
			skill.Always = fm.Always
		}
		if skill.Description == "" {
			skill.Description = skill.Name
		}
		result = append(result, skill)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Load returns a skill's content with frontmatter stripped, or empty
// when the skill does not exist.
func (l *Loader) Load(name string) string {
	content, err := os.ReadFile(filepath.Join(l.skillsDir, name, "SKILL.md"))
	if err != nil {
		return ""
	}
	return stripFrontmatter(string(content))
}

// AlwaysContent concatenates the bodies of all always-on skills for
// direct prompt inclusion.
func (l *Loader) AlwaysContent() string {
	var parts []string
	for _, skill := range l.List() {
		if !skill.Always {
			continue
		}
		body := l.Load(skill.Name)
		if body == "" {
			continue
		}
		parts = append(parts, "### Skill: "+skill.Name+"\n\n"+body)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// IndexSummary renders the skill index injected into the prompt so the
// model knows which skills exist without carrying their full bodies.
func (l *Loader) IndexSummary() string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}

	lines := []string{"<skills>"}
	for _, skill := range all {
		lines = append(lines,
			"  <skill>",
			"    <name>"+escape(skill.Name)+"</name>",
			"    <description>"+escape(shorten(skill.Description, maxDescriptionChars))+"</description>",
			"    <location>skills/"+escape(skill.Name)+"/SKILL.md</location>",
			"  </skill>",
		)
	}
	lines = append(lines, "</skills>")
	logging.ContextDebug("Skills index built: %d skill(s)", len(all))
	return strings.Join(lines, "\n")
}

// parseFrontmatter extracts the yaml block between leading "---" fences.
func parseFrontmatter(content string) (frontmatter, bool) {
	var fm frontmatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, false
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, false
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, false
	}
	return fm, true
}

func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---\n") {
		return content
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content
	}
	body := rest[end+len("\n---"):]
	return strings.TrimSpace(strings.TrimPrefix(body, "\n"))
}

func shorten(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= maxChars {
		return compact
	}
	return strings.TrimRight(compact[:maxChars-3], " ") + "..."
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
