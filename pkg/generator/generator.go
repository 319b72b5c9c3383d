// Package generator implements the three Generator Adapters (spec.md §4.4):
// LOCAL (in-process), FAST and AGENT (remote, streaming). Each adapter
// wraps one of the teacher orchestrator's raw net/http LLM providers,
// extended to stream tokens instead of returning one batch completion.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
)

// FailureKind enumerates the Generator failure modes from spec.md §4.4/§4.10.
type FailureKind string

const (
	TimeoutTTFT   FailureKind = "TIMEOUT_TTFT"
	TimeoutTotal  FailureKind = "TIMEOUT_TOTAL"
	BackendFailed FailureKind = "BACKEND_FAILED"
)

// Error wraps a FailureKind with the underlying cause.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "generator: " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "generator: " + string(e.Kind)
}
func (e *Error) Unwrap() error { return e.Err }

// Message is a single turn of conversational context, kept compatible with
// the teacher orchestrator's Message shape.
type Message struct {
	Role    string
	Content string
}

// GenerationRequest carries everything an adapter needs for one Turn.
type GenerationRequest struct {
	UtteranceID string
	Messages    []Message
	Tier        router.Tier
	Cancel      *clock.Handle
}

// Token is one streamed unit of generated text. Final is set on the last
// token of a stream that completes; a failed stream ends with an Error on
// TokenStream.Errs and no Final token.
type Token struct {
	Text  string
	Final bool
}

// TokenStream is what Generate returns: a channel of Tokens, closed when
// the stream ends (normally, by cancellation, or by error), and a channel
// that carries at most one terminal error.
type TokenStream struct {
	Tokens <-chan Token
	Errs   <-chan error
}

// Deadlines holds the per-tier TTFT/total budgets (policy.TierPolicy,
// mirrored here to avoid a generator→policy import cycle).
type Deadlines struct {
	TTFT  time.Duration
	Total time.Duration
}

// Generator is the common contract all three adapters implement.
type Generator interface {
	Name() string
	Tier() router.Tier
	Generate(ctx context.Context, req GenerationRequest, deadlines Deadlines) TokenStream
}

// CostEstimator computes USD cost from token counts for paid tiers.
type CostEstimator func(inputTokens, outputTokens int64) float64

// EstimateTokensFromBytes implements spec.md §4.4's fallback: "if the
// backend returns no token counts, estimate from UTF-8 byte length divided
// by 4."
func EstimateTokensFromBytes(s string) int64 {
	return int64(len(s)) / 4
}

// CommitUsage builds the idempotent UsageRecord spec.md §4.4 requires on
// every stream completion, including cancelled-with-partial-output.
func CommitUsage(l *ledger.Ledger, utteranceID string, tier router.Tier, inputTokens, outputTokens int64, costUSD float64) error {
	return l.Record(ledger.UsageRecord{
		UtteranceID:  utteranceID,
		Tier:         string(tier),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		CommittedAt:  time.Now(),
	})
}

var errNoCancelHandle = errors.New("generator: request has no cancel handle")
