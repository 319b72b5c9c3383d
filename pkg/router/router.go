// Package router implements the three-stage tier classification cascade
// (spec.md §4.3): a rule stage, a semantic embedding stage grounded on
// lookatitude-beluga-ai's gonum-backed cosine similarity, and a default
// fallback, followed by a budget gate.
package router

import (
	"fmt"
	"regexp"

	"gonum.org/v1/gonum/floats"

	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
)

// Tier identifies a generation backend.
type Tier string

const (
	Local Tier = "LOCAL"
	Fast  Tier = "FAST"
	Agent Tier = "AGENT"
)

func promote(t Tier) Tier {
	switch t {
	case Local:
		return Fast
	case Fast:
		return Agent
	default:
		return Agent
	}
}

// Downgrade returns the next tier down, used by the Turn Controller on
// TIMEOUT_TTFT (spec.md §4.6).
func Downgrade(t Tier) Tier {
	switch t {
	case Agent:
		return Fast
	case Fast:
		return Local
	default:
		return Local
	}
}

// Category enumerates the utterance categories the rule and semantic
// stages classify into.
type Category string

const (
	CategoryCommand   Category = "command"
	CategoryBrief     Category = "brief"
	CategoryGreeting  Category = "greeting"
	CategoryAdvice    Category = "advice"
	CategoryExplain   Category = "explain"
	CategoryDraft     Category = "draft"
	CategoryPlan      Category = "plan"
	CategoryAnalyze   Category = "analyze"
	CategorySafety    Category = "safety"
	CategoryUnknown   Category = "unknown"
)

// TierDecision is the Router's output (spec.md §3).
type TierDecision struct {
	Tier               Tier
	Confidence         float64
	Category           Category
	Reason             string
	BudgetStateSnap    ledger.BudgetState
	NeedsClarification bool
	BudgetOverride     bool
	SafetyOverride     bool
}

// ruleMatcher is one entry of the ordered rule stage.
type ruleMatcher struct {
	pattern  *regexp.Regexp
	tier     Tier
	category Category
}

// Embedder produces a fixed-dimension embedding for a piece of text. The
// real implementation is provided by whatever ModelHandles resource loads
// the pinned embedding model at startup (spec.md §6.1); Router only needs
// this narrow contract.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Prototype is one cached per-tier centroid (spec.md: "compare cosine
// against cached prototype centroids per tier").
type Prototype struct {
	Tier     Tier
	Centroid []float32
}

// Router classifies Utterances into TierDecisions per the three-stage
// cascade.
type Router struct {
	rules      []ruleMatcher
	embedder   Embedder
	prototypes []Prototype
}

// New builds a Router with the default rule set and the given embedder and
// prototype centroids. A nil embedder means the semantic stage is skipped
// and classification falls straight through to rules + default, matching
// the "embedding unavailable" row of the failure semantics matrix
// (spec.md §4.10).
func New(embedder Embedder, prototypes []Prototype) *Router {
	return &Router{rules: defaultRules(), embedder: embedder, prototypes: prototypes}
}

func defaultRules() []ruleMatcher {
	return []ruleMatcher{
		// Safety-critical: force AGENT, kept under THRIFTY; LOCAL_ONLY still
		// forces LOCAL and sets SafetyOverride.
		{regexp.MustCompile(`(?i)\b(self[- ]?harm|suicide|overdose|emergency|poison(ed|ing)?)\b`), Agent, CategorySafety},
		// Multi-tool / plan: force AGENT unless budget blocked.
		{regexp.MustCompile(`(?i)\b(plan (out|my)|multi[- ]?step|book (a|my) trip|coordinate)\b`), Agent, CategoryPlan},
		// Command / greeting / brief-info: force LOCAL.
		{regexp.MustCompile(`(?i)^(hi|hello|hey|good (morning|evening|afternoon))\b`), Local, CategoryGreeting},
		{regexp.MustCompile(`(?i)\b(turn (on|off)|set (a|the) (timer|alarm)|play|pause|stop|volume (up|down))\b`), Local, CategoryCommand},
		{regexp.MustCompile(`(?i)^(what time is it|what('s| is) the (time|date|weather))\b`), Local, CategoryBrief},
		// Explicit refusal phrases: force LOCAL with category command.
		{regexp.MustCompile(`(?i)\b(i (can't|cannot|won't|will not) help with that)\b`), Local, CategoryCommand},
	}
}

// Classify runs the cascade and applies the budget gate.
func (r *Router) Classify(u *transcriber.Utterance, budgetState ledger.BudgetState, pol *policy.Policy) TierDecision {
	text := utteranceText(u)
	if d, ok := r.classifyRules(text); ok {
		return r.applyBudgetGate(d, budgetState, pol)
	}

	d, ok := r.classifySemantic(text, pol)
	if !ok {
		d = TierDecision{Tier: Fast, Confidence: 0.5, Category: CategoryUnknown, Reason: "default_fallback"}
	}
	return r.applyBudgetGate(d, budgetState, pol)
}

func (r *Router) classifyRules(text string) (TierDecision, bool) {
	for _, m := range r.rules {
		if m.pattern.MatchString(text) {
			return TierDecision{
				Tier:       m.tier,
				Confidence: 0.95,
				Category:   m.category,
				Reason:     "rule_stage",
			}, true
		}
	}
	return TierDecision{}, false
}

func (r *Router) classifySemantic(text string, pol *policy.Policy) (TierDecision, bool) {
	if r.embedder == nil || len(r.prototypes) == 0 {
		return TierDecision{}, false
	}

	vec, err := r.embedder.Embed(text)
	if err != nil {
		return TierDecision{}, false
	}

	type scored struct {
		tier Tier
		sim  float64
	}
	scores := make([]scored, 0, len(r.prototypes))
	for _, p := range r.prototypes {
		sim, err := cosineSimilarity(vec, p.Centroid)
		if err != nil {
			continue
		}
		scores = append(scores, scored{tier: p.Tier, sim: sim})
	}
	if len(scores) == 0 {
		return TierDecision{}, false
	}

	best, second := scores[0], scored{sim: -1}
	for _, s := range scores[1:] {
		if s.sim > best.sim {
			second = best
			best = s
		} else if s.sim > second.sim {
			second = s
		}
	}

	abstain := pol.Router.Thresholds.Abstain
	if best.sim < abstain {
		return TierDecision{Tier: Fast, Confidence: 0.5, Category: CategoryUnknown, Reason: "abstain", NeedsClarification: true}, true
	}

	tier := best.tier
	reason := "semantic_stage"
	if second.sim >= 0 && best.sim-second.sim < pol.Router.Thresholds.TieEpsilon {
		tier = promote(tier)
		reason = "semantic_stage_tie_promoted"
	}

	confidence := linearMapConfidence(best.sim)
	return TierDecision{Tier: tier, Confidence: confidence, Category: CategoryUnknown, Reason: reason}, true
}

// linearMapConfidence maps a cosine similarity in [-1,1] (practically
// [0,1] for normalized embeddings) linearly to [0.5, 0.9], per spec.md's
// documented default; negative similarities map to 0.5.
func linearMapConfidence(sim float64) float64 {
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return 0.5 + sim*0.4
}

// cosineSimilarity mirrors lookatitude-beluga-ai's vectorstores cosine
// similarity helper, widening to float64 for gonum's floats package.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("router: embedding dimension mismatch: %d vs %d", len(a), len(b))
	}
	a64 := make([]float64, len(a))
	b64 := make([]float64, len(b))
	for i := range a {
		a64[i] = float64(a[i])
		b64[i] = float64(b[i])
	}
	normA := floats.Norm(a64, 2)
	normB := floats.Norm(b64, 2)
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return floats.Dot(a64, b64) / (normA * normB), nil
}

func (r *Router) applyBudgetGate(d TierDecision, state ledger.BudgetState, pol *policy.Policy) TierDecision {
	d.BudgetStateSnap = state

	switch state.Mode {
	case ledger.ModeNormal:
		// honor decision
	case ledger.ModeThrifty:
		if d.Tier == Fast && d.Confidence < pol.Router.Thresholds.ThriftyKeepFast {
			d.Tier = Local
			d.Reason += "+thrifty_downgrade"
		}
		if d.Tier == Agent && d.Category != CategorySafety {
			d.Tier = Fast
			d.Reason += "+thrifty_agent_downgrade"
		}
	case ledger.ModeLocalOnly:
		if d.Tier != Local {
			d.Tier = Local
			if d.Category == CategorySafety {
				d.SafetyOverride = true
			} else {
				d.BudgetOverride = true
			}
			d.Reason += "+local_only_override"
		}
	}
	return d
}

// utteranceText is a thin convenience for callers holding a
// transcriber.Utterance rather than a bare string.
func utteranceText(u *transcriber.Utterance) string {
	if u == nil {
		return ""
	}
	return u.Text
}
