package router

import (
	"errors"
	"testing"

	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0.1, 0.1, 0.1}, nil
}

func utterance(text string) *transcriber.Utterance {
	return &transcriber.Utterance{Text: text}
}

func normalState() ledger.BudgetState { return ledger.BudgetState{Mode: ledger.ModeNormal} }

func TestRuleStageSafetyForcesAgent(t *testing.T) {
	r := New(nil, nil)
	d := r.Classify(utterance("I'm thinking about self-harm"), normalState(), policy.Default())
	if d.Tier != Agent || d.Category != CategorySafety || d.Confidence != 0.95 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRuleStageCommandForcesLocal(t *testing.T) {
	r := New(nil, nil)
	d := r.Classify(utterance("turn off the lights"), normalState(), policy.Default())
	if d.Tier != Local || d.Category != CategoryCommand {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestNoRuleMatchFallsBackToDefaultFastWithoutEmbedder(t *testing.T) {
	r := New(nil, nil)
	d := r.Classify(utterance("tell me something I've never heard before"), normalState(), policy.Default())
	if d.Tier != Fast || d.Confidence != 0.5 || d.Category != CategoryUnknown {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestSemanticStagePicksArgmaxPrototype(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"write me a long essay": {1, 0, 0},
	}}
	prototypes := []Prototype{
		{Tier: Local, Centroid: []float32{0, 1, 0}},
		{Tier: Fast, Centroid: []float32{0.2, 0.9, 0}},
		{Tier: Agent, Centroid: []float32{1, 0.01, 0}},
	}
	r := New(embedder, prototypes)

	d := r.Classify(utterance("write me a long essay"), normalState(), policy.Default())
	if d.Tier != Agent {
		t.Fatalf("expected AGENT as argmax, got %+v", d)
	}
}

func TestSemanticStageAbstainsBelowThreshold(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"mumble": {0, 0, 1},
	}}
	prototypes := []Prototype{
		{Tier: Local, Centroid: []float32{1, 0, 0}},
		{Tier: Fast, Centroid: []float32{0, 1, 0}},
	}
	r := New(embedder, prototypes)

	d := r.Classify(utterance("mumble"), normalState(), policy.Default())
	if !d.NeedsClarification || d.Tier != Fast {
		t.Fatalf("expected abstain decision, got %+v", d)
	}
}

func TestSemanticStageTiePromotesTier(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"ambiguous request": {1, 1, 0},
	}}
	// Local and Fast score identically; Local wins the argmax by list order and the tie promotes it to Fast.
	prototypes := []Prototype{
		{Tier: Local, Centroid: []float32{1, 0.98, 0}},
		{Tier: Fast, Centroid: []float32{0.98, 1, 0}},
	}
	pol := policy.Default()
	pol.Router.Thresholds.TieEpsilon = 0.5 // force the tie branch deterministically
	r := New(embedder, prototypes)

	d := r.Classify(utterance("ambiguous request"), normalState(), pol)
	if d.Reason != "semantic_stage_tie_promoted" {
		t.Fatalf("expected tie promotion, got %+v", d)
	}
}

func TestEmbeddingUnavailableFallsBackToRulePlusDefault(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("model not loaded")}
	prototypes := []Prototype{{Tier: Fast, Centroid: []float32{1, 0, 0}}}
	r := New(embedder, prototypes)

	d := r.Classify(utterance("something novel"), normalState(), policy.Default())
	if d.Tier != Fast || d.Confidence != 0.5 {
		t.Fatalf("expected default fallback on embedder error, got %+v", d)
	}
}

func TestBudgetGateThriftyDowngradesLowConfidenceFast(t *testing.T) {
	r := New(nil, nil)
	pol := policy.Default()
	state := ledger.BudgetState{Mode: ledger.ModeThrifty}

	d := r.Classify(utterance("something novel"), state, pol)
	if d.Tier != Local {
		t.Fatalf("expected THRIFTY to downgrade default FAST(0.5) below thrifty_keep_fast, got %+v", d)
	}
}

func TestBudgetGateThriftyKeepsSafetyOnAgent(t *testing.T) {
	r := New(nil, nil)
	pol := policy.Default()
	state := ledger.BudgetState{Mode: ledger.ModeThrifty}

	d := r.Classify(utterance("this is an emergency"), state, pol)
	if d.Tier != Agent || d.Category != CategorySafety {
		t.Fatalf("expected safety category to remain on AGENT under THRIFTY, got %+v", d)
	}
}

func TestBudgetGateLocalOnlyForcesLocal(t *testing.T) {
	r := New(nil, nil)
	pol := policy.Default()
	state := ledger.BudgetState{Mode: ledger.ModeLocalOnly}

	d := r.Classify(utterance("this is an emergency"), state, pol)
	if d.Tier != Local || !d.SafetyOverride || d.BudgetOverride {
		t.Fatalf("expected LOCAL_ONLY to force a safety decision to LOCAL with safety_override set, got %+v", d)
	}
}

func TestBudgetGateLocalOnlyForcesLocalWithBudgetOverrideForNonSafety(t *testing.T) {
	r := New(nil, nil)
	pol := policy.Default()
	state := ledger.BudgetState{Mode: ledger.ModeLocalOnly}

	d := r.Classify(utterance("plan out my whole week"), state, pol)
	if d.Tier != Local || !d.BudgetOverride || d.SafetyOverride {
		t.Fatalf("expected LOCAL_ONLY to force a non-safety decision to LOCAL with budget_override set, got %+v", d)
	}
}

func TestDowngradeOrdering(t *testing.T) {
	if Downgrade(Agent) != Fast {
		t.Fatalf("expected AGENT to downgrade to FAST")
	}
	if Downgrade(Fast) != Local {
		t.Fatalf("expected FAST to downgrade to LOCAL")
	}
	if Downgrade(Local) != Local {
		t.Fatalf("expected LOCAL to have no further downgrade")
	}
}
