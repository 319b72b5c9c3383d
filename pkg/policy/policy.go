// Package policy loads the immutable-at-a-point-in-time configuration
// documented in spec.md §6.3, in the YAML-over-gopkg.in/yaml.v3 style
// AltairaLabs-PromptKit's pkg/config/loader.go uses for its own config file.
package policy

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RouterThresholds holds the Router's configurable margins (§6.3).
type RouterThresholds struct {
	Abstain           float64 `yaml:"abstain"`
	TieEpsilon        float64 `yaml:"tie_epsilon"`
	ThriftyKeepFast   float64 `yaml:"thrifty_keep_fast"`
}

// TierPolicy holds the per-tier latency budget and, for paid tiers, unit
// cost (per 1k tokens).
type TierPolicy struct {
	TTFTDeadlineMS  int64   `yaml:"ttft_deadline_ms"`
	TotalDeadlineMS int64   `yaml:"total_deadline_ms"`
	UnitCostInput   float64 `yaml:"unit_cost_input_per_1k"`
	UnitCostOutput  float64 `yaml:"unit_cost_output_per_1k"`
}

// BudgetPolicy holds the cost ledger's caps and mode-transition fractions.
type BudgetPolicy struct {
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd"`
	DailyCapUSD   float64 `yaml:"daily_cap_usd"`
	SoftFraction  float64 `yaml:"soft_fraction"`
	HardFraction  float64 `yaml:"hard_fraction"`
	Timezone      string  `yaml:"timezone"`
	PeriodReset   string  `yaml:"period_reset"` // "monthly" or "daily", informational
}

// VADPolicy mirrors pkg/vad.Config's fields for file-based configuration.
type VADPolicy struct {
	MinSpeechMS  int64   `yaml:"min_speech_ms"`
	MinSilenceMS int64   `yaml:"min_silence_ms"`
	SpeechPadMS  int64   `yaml:"speech_pad_ms"`
	Threshold    float64 `yaml:"threshold"`
}

// SynthPolicy configures the Streaming Synthesizer's chunking.
type SynthPolicy struct {
	FlushChars         int      `yaml:"flush_chars"`
	SentenceTerminators []string `yaml:"sentence_terminators"`
}

// Policy is the full, immutable-per-load configuration document consumed by
// the core. It is loaded once at startup and may be hot-reloaded via the
// `reload-policy` CLI verb (non-breaking options only, per spec.md §6.5).
type Policy struct {
	Router struct {
		Thresholds RouterThresholds `yaml:"thresholds"`
		Prototypes string           `yaml:"prototypes"`
	} `yaml:"router"`

	Tiers struct {
		Local TierPolicy `yaml:"local"`
		Fast  TierPolicy `yaml:"fast"`
		Agent TierPolicy `yaml:"agent"`
	} `yaml:"tiers"`

	Budget BudgetPolicy `yaml:"budget"`
	VAD    VADPolicy    `yaml:"vad"`
	Synth  SynthPolicy  `yaml:"synth"`

	Filler struct {
		Phrases []string `yaml:"phrases"`
	} `yaml:"filler"`

	Persona struct {
		RefusalPhrase string `yaml:"refusal_phrase"`
	} `yaml:"persona"`
}

// Default returns the documented defaults from spec.md §3, §4, §6.3.
func Default() *Policy {
	p := &Policy{}
	p.Router.Thresholds = RouterThresholds{Abstain: 0.35, TieEpsilon: 0.03, ThriftyKeepFast: 0.75}
	p.Tiers.Local = TierPolicy{TTFTDeadlineMS: 500, TotalDeadlineMS: 3000}
	p.Tiers.Fast = TierPolicy{TTFTDeadlineMS: 1500, TotalDeadlineMS: 6000, UnitCostInput: 0.5, UnitCostOutput: 1.5}
	p.Tiers.Agent = TierPolicy{TTFTDeadlineMS: 4000, TotalDeadlineMS: 30000, UnitCostInput: 3.0, UnitCostOutput: 15.0}
	p.Budget = BudgetPolicy{MonthlyCapUSD: 20, DailyCapUSD: 2, SoftFraction: 0.8, HardFraction: 1.0, Timezone: "UTC", PeriodReset: "monthly"}
	p.VAD = VADPolicy{MinSpeechMS: 250, MinSilenceMS: 400, SpeechPadMS: 100, Threshold: 0.5}
	p.Synth = SynthPolicy{FlushChars: 200, SentenceTerminators: []string{".", "!", "?", ";", "\n"}}
	p.Filler.Phrases = []string{"Let me think about that.", "One moment.", "Working on it."}
	p.Persona.RefusalPhrase = "I'm sorry, I'm not able to help with that right now."
	return p
}

// Load reads and parses a YAML policy file, following PromptKit's
// pkg/config.LoadConfig: missing optional fields fall back to documented
// defaults so a partial file is valid.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the invariants the Router and Ledger rely on.
func (p *Policy) Validate() error {
	if p.Budget.SoftFraction <= 0 || p.Budget.SoftFraction >= p.Budget.HardFraction {
		return fmt.Errorf("budget.soft_fraction (%.2f) must be positive and less than hard_fraction (%.2f)",
			p.Budget.SoftFraction, p.Budget.HardFraction)
	}
	if p.Router.Thresholds.Abstain < 0 || p.Router.Thresholds.Abstain > 1 {
		return fmt.Errorf("router.thresholds.abstain (%.2f) must be in [0,1]", p.Router.Thresholds.Abstain)
	}
	if len(p.Synth.SentenceTerminators) == 0 {
		return fmt.Errorf("synth.sentence_terminators must not be empty")
	}
	return nil
}

// Store holds the current Policy behind a RWMutex so TurnControllers always
// read a consistent snapshot while `reload-policy` swaps in a new document.
// This mirrors the teacher's pattern of guarding shared mutable state
// (Orchestrator.config) behind sync.RWMutex rather than a lock-free atomic,
// since reloads are rare and Current only copies a pointer under the read
// lock.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Policy
}

// NewStore wraps an already-loaded Policy. If path is non-empty, Reload can
// re-read it from disk later.
func NewStore(path string, initial *Policy) *Store {
	return &Store{path: path, cur: initial}
}

// Current returns the active Policy. Callers must not mutate the returned
// value; treat it as a snapshot.
func (s *Store) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-reads the policy file from disk and swaps the whole document in
// atomically once it validates. It does not tell breaking from non-breaking
// options: every field of the new file applies to whoever calls Current
// afterwards. In-flight Turns keep the snapshot they already hold, and past
// UsageRecords are not touched.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("policy store has no backing file to reload from")
	}
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}
