package modelrouter

import "strings"

// Reason explains why ModelChoice picked a given model.
type Reason string

const (
	ReasonDefault    Reason = "default"
	ReasonEscalated  Reason = "escalated"
	ReasonFallback   Reason = "fallback"
	ReasonKidSafety  Reason = "kid_friendly_default"
)

// Context is everything ModelRouter.Choose needs to make a deterministic decision.
type Context struct {
	Language    string
	KidFriendly bool
	PromptChars int
	// RecentTurnLatencyMs is the exponentially-weighted recent LLM turn
	// latency in milliseconds; high latency discourages escalation even when
	// complexity would otherwise warrant it.
	RecentTurnLatencyMs int64
	// LoadHeadroom is 0..1, where 1 means plenty of spare adapter pool
	// capacity and 0 means the pool is saturated.
	LoadHeadroom float64
}

// ModelChoice is the router's deterministic decision for one turn.
type ModelChoice struct {
	ModelID string
	Reason  Reason
}

// Router picks which LLM to call for a turn given language, kid_friendly,
// prompt length, and recent-turn latency statistics. It is deterministic
// given an identical Context. The actual primary/fallback failover mechanics
// live in brain.FallbackAdapter; Choose only decides which model ID a fresh
// turn should start with.
type Router struct {
	defaultModel        string
	fallbackModel       string
	complexityThreshold float64
	latencyBudgetMs      int64
}

// NewRouter builds a Router from the configured default/fallback model IDs
// and the complexity_threshold escalation knob.
func NewRouter(defaultModel, fallbackModel string, complexityThreshold float64, latencyBudgetMs int64) *Router {
	if latencyBudgetMs <= 0 {
		latencyBudgetMs = 1500
	}
	return &Router{
		defaultModel:        strings.TrimSpace(defaultModel),
		fallbackModel:       strings.TrimSpace(fallbackModel),
		complexityThreshold: complexityThreshold,
		latencyBudgetMs:     latencyBudgetMs,
	}
}

// Choose is deterministic given an identical Context: the default is a fast
// small model; escalation only happens when the complexity heuristic exceeds
// complexity_threshold AND there is load headroom to afford the slower model.
func (r *Router) Choose(ctx Context) ModelChoice {
	if ctx.KidFriendly {
		// Kid-friendly sessions stay on the conservative default model so
		// ContentPolicy's redirect behavior is exercised against a model
		// whose output shape is well understood.
		return ModelChoice{ModelID: r.defaultModel, Reason: ReasonKidSafety}
	}

	complexity := r.complexityScore(ctx)
	if complexity > r.complexityThreshold && ctx.LoadHeadroom >= 0.25 && ctx.RecentTurnLatencyMs < r.latencyBudgetMs {
		return ModelChoice{ModelID: r.fallbackModel, Reason: ReasonEscalated}
	}
	return ModelChoice{ModelID: r.defaultModel, Reason: ReasonDefault}
}

// FallbackChoice is returned when the primary model call failed and the
// FallbackAdapter's secondary actually answered the turn.
func (r *Router) FallbackChoice() ModelChoice {
	return ModelChoice{ModelID: r.fallbackModel, Reason: ReasonFallback}
}

// complexityScore is a 0..1 heuristic derived from prompt length: longer
// prompts are treated as more likely to need the stronger model.
func (r *Router) complexityScore(ctx Context) float64 {
	const longPromptChars = 600
	score := float64(ctx.PromptChars) / float64(longPromptChars)
	if score > 1 {
		score = 1
	}
	return score
}
