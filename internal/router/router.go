// Package router implements the deterministic tier router. Routing is a
// pure, total function over the input text: every input maps to exactly
// one tier and the router never fails.
package router

import (
	"strings"

	"github.com/zivhm/yacb/internal/config"
	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/types"
)

const overridePrefix = "!tier"

// Router maps raw input text to a service tier and a cleaned message
// body. All state is immutable configuration captured at construction.
type Router struct {
	cfg          config.TierRouterConfig
	defaultModel string
}

// New builds a router from an immutable config snapshot. defaultModel
// is used for any tier without an explicitly configured model.
func New(cfg config.TierRouterConfig, defaultModel string) *Router {
	return &Router{cfg: cfg, defaultModel: defaultModel}
}

// Route returns the tier decision for the given input text.
//
// Resolution order, first match wins:
//  1. explicit "!tier <light|medium|heavy> <body>" override
//  2. heavy keyword
//  3. medium keyword
//  4. short-message heuristic (chars AND words below thresholds) -> light
//  5. default -> medium
//
// Keyword matching runs on the override-stripped body, so a tier token
// in the prefix can never trigger a keyword rule.
func (r *Router) Route(message string) types.RouteDecision {
	if tier, body, ok := parseOverride(message); ok {
		logging.RouterDebug("override: tier=%s", tier)
		return types.RouteDecision{
			Tier:        tier,
			Model:       r.ModelForTier(tier),
			CleanedText: body,
			Overridden:  true,
		}
	}

	tier := r.classify(message)
	logging.RouterDebug("classified: tier=%s chars=%d", tier, len(message))
	return types.RouteDecision{
		Tier:        tier,
		Model:       r.ModelForTier(tier),
		CleanedText: message,
	}
}

func (r *Router) classify(message string) types.Tier {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		// Empty input satisfies the short-message heuristic.
		return types.TierLight
	}

	rules := r.cfg.Rules
	for _, kw := range rules.HeavyKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return types.TierHeavy
		}
	}
	for _, kw := range rules.MediumKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return types.TierMedium
		}
	}

	words := strings.Fields(text)
	if len(text) <= rules.ShortMessageMaxChars && len(words) <= rules.ShortMessageMaxWords {
		return types.TierLight
	}
	return types.TierMedium
}

// ModelForTier resolves the model configured for a tier, falling back
// to the medium model and then the default model when unset. With the
// router disabled every tier resolves to the default model.
func (r *Router) ModelForTier(tier types.Tier) string {
	if !r.cfg.Enabled {
		return r.defaultModel
	}

	var configured string
	switch tier {
	case types.TierLight:
		configured = r.cfg.Tiers.Light.Model
	case types.TierHeavy:
		configured = r.cfg.Tiers.Heavy.Model
	default:
		configured = r.cfg.Tiers.Medium.Model
	}
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	if tier == types.TierMedium {
		return r.defaultModel
	}
	if medium := strings.TrimSpace(r.cfg.Tiers.Medium.Model); medium != "" {
		return medium
	}
	return r.defaultModel
}

// parseOverride recognizes a leading "!tier <tier> <body>" prefix. A
// malformed override is not an error: the router is total, so the raw
// text falls through to keyword classification instead.
func parseOverride(message string) (types.Tier, string, bool) {
	raw := strings.TrimSpace(message)
	first, rest, _ := strings.Cut(raw, " ")
	if !strings.EqualFold(first, overridePrefix) {
		return "", "", false
	}

	rest = strings.TrimSpace(rest)
	tierToken, body, _ := strings.Cut(rest, " ")
	tier := types.Tier(strings.ToLower(tierToken))
	if !tier.Valid() {
		return "", "", false
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", "", false
	}
	return tier, body, true
}
