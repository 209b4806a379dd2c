package provider

import (
	"fmt"
	"strings"
)

func errInvalidModel(model, reason string) error {
	return fmt.Errorf("invalid model %q: %s", model, reason)
}

// Spec is static metadata for one provider. Adding a provider is a data
// change here, not a control-flow change anywhere else.
type Spec struct {
	Name           string
	DisplayName    string
	Keywords       []string // model-name substrings that imply this provider
	EnvKey         string
	DefaultBaseURL string
	// OpenAICompatible providers share the /chat/completions wire format.
	OpenAICompatible bool
}

// Specs is the provider table, ordered by match preference.
var Specs = []Spec{
	{
		Name:             "openrouter",
		DisplayName:      "OpenRouter",
		Keywords:         []string{"openrouter"},
		EnvKey:           "OPENROUTER_API_KEY",
		DefaultBaseURL:   "https://openrouter.ai/api/v1",
		OpenAICompatible: true,
	},
	{
		Name:        "anthropic",
		DisplayName: "Anthropic",
		Keywords:    []string{"anthropic", "claude"},
		EnvKey:      "ANTHROPIC_API_KEY",
	},
	{
		Name:             "openai",
		DisplayName:      "OpenAI",
		Keywords:         []string{"openai", "gpt"},
		EnvKey:           "OPENAI_API_KEY",
		DefaultBaseURL:   "https://api.openai.com/v1",
		OpenAICompatible: true,
	},
	{
		Name:             "deepseek",
		DisplayName:      "DeepSeek",
		Keywords:         []string{"deepseek"},
		EnvKey:           "DEEPSEEK_API_KEY",
		DefaultBaseURL:   "https://api.deepseek.com/v1",
		OpenAICompatible: true,
	},
	{
		Name:             "gemini",
		DisplayName:      "Gemini",
		Keywords:         []string{"gemini"},
		EnvKey:           "GEMINI_API_KEY",
		DefaultBaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
		OpenAICompatible: true,
	},
}

// modelAliases resolves short model names to provider/model form.
var modelAliases = map[string]string{
	"haiku":             "anthropic/claude-haiku-4-20250514",
	"sonnet":            "anthropic/claude-sonnet-4-20250514",
	"opus":              "anthropic/claude-opus-4-20250514",
	"gpt-4o-mini":       "openai/gpt-4o-mini",
	"gpt-4.1-mini":      "openai/gpt-4.1-mini",
	"o4-mini":           "openai/o4-mini",
	"gemini-flash":      "gemini/gemini-2.5-flash",
	"gemini-pro":        "gemini/gemini-2.5-pro",
	"deepseek-chat":     "deepseek/deepseek-chat",
	"deepseek-reasoner": "deepseek/deepseek-reasoner",
}

// FindSpec returns the spec for a provider name.
func FindSpec(name string) (Spec, bool) {
	for _, s := range Specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// NormalizeModel resolves common aliases to provider/model form. Names
// already containing a provider prefix pass through unchanged.
func NormalizeModel(model string) string {
	name := strings.TrimSpace(model)
	if name == "" {
		return name
	}

	if alias, ok := modelAliases[strings.ToLower(name)]; ok {
		return alias
	}
	if strings.Contains(name, "/") {
		return name
	}

	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "claude-"):
		return "anthropic/" + name
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "openai/" + name
	case strings.HasPrefix(lower, "gemini-"):
		return "gemini/" + name
	case strings.HasPrefix(lower, "deepseek-"):
		return "deepseek/" + name
	}
	return name
}

// SplitModel splits a provider/model identifier. The provider is empty
// when no prefix is present.
func SplitModel(model string) (providerName, modelID string) {
	normalized := NormalizeModel(model)
	if idx := strings.Index(normalized, "/"); idx > 0 {
		return normalized[:idx], normalized[idx+1:]
	}
	return "", normalized
}

// ValidateModel checks that a model identifier names a known provider.
func ValidateModel(model string) error {
	providerName, _ := SplitModel(model)
	if providerName == "" {
		return &CallError{
			Class: FailureNonRetryable,
			Model: model,
			Err:   errInvalidModel(model, "expected 'provider/model-name' format"),
		}
	}
	if _, ok := FindSpec(providerName); !ok {
		return &CallError{
			Class: FailureNonRetryable,
			Model: model,
			Err:   errInvalidModel(model, "unknown provider '"+providerName+"'"),
		}
	}
	return nil
}
