package generator

import (
	"context"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/providers/llm"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
)

// StreamBackend is the minimal contract a remote LLM provider must satisfy
// to back FAST or AGENT. pkg/providers/llm's OpenAILLM, GroqLLM,
// AnthropicLLM, and GoogleLLM all implement it.
type StreamBackend interface {
	Name() string
	StreamComplete(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error)
}

// remoteGenerator is the shared implementation behind FAST and AGENT: both
// are "remote low/high capability API, streamed over SSE, cost computed
// from token counts" (spec.md §4.4); only the tier, deadlines, and cost
// function differ.
type remoteGenerator struct {
	backend StreamBackend
	ledger  *ledger.Ledger
	tier    router.Tier
	cost    CostEstimator
}

func (g *remoteGenerator) Name() string      { return g.backend.Name() }
func (g *remoteGenerator) Tier() router.Tier { return g.tier }

func (g *remoteGenerator) Generate(ctx context.Context, req GenerationRequest, deadlines Deadlines) TokenStream {
	tokens := make(chan Token, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		if req.Cancel == nil {
			errs <- &Error{Kind: BackendFailed, Err: errNoCancelHandle}
			return
		}

		genCtx, cancel := context.WithTimeout(req.Cancel.Context(), deadlines.Total)
		defer cancel()

		messages := make([]llm.Message, len(req.Messages))
		for i, m := range req.Messages {
			messages[i] = llm.Message{Role: m.Role, Content: m.Content}
		}

		chunks, err := g.backend.StreamComplete(genCtx, messages)
		if err != nil {
			errs <- &Error{Kind: BackendFailed, Err: err}
			return
		}

		ttftTimer := time.NewTimer(deadlines.TTFT)
		defer ttftTimer.Stop()

		var out string
		var inputTokens, outputTokens int64
		first := true
		for {
			select {
			case <-genCtx.Done():
				if genCtx.Err() != nil {
					g.commit(req, out, inputTokens, outputTokens)
					errs <- &Error{Kind: TimeoutTotal, Err: genCtx.Err()}
				}
				return
			case <-ttftTimer.C:
				if first {
					errs <- &Error{Kind: TimeoutTTFT}
					return
				}
			case chunk, ok := <-chunks:
				if !ok {
					g.commit(req, out, inputTokens, outputTokens)
					return
				}
				if first && chunk.Delta != "" {
					first = false
					ttftTimer.Stop()
				}
				if chunk.Delta != "" {
					out += chunk.Delta
					tokens <- Token{Text: chunk.Delta, Final: chunk.Done}
				}
				if chunk.InputTokens > 0 {
					inputTokens = chunk.InputTokens
				}
				if chunk.OutputTokens > 0 {
					outputTokens = chunk.OutputTokens
				}
				if chunk.Done {
					tokens <- Token{Final: true}
					g.commit(req, out, inputTokens, outputTokens)
					return
				}
			}
		}
	}()

	return TokenStream{Tokens: tokens, Errs: errs}
}

func (g *remoteGenerator) commit(req GenerationRequest, output string, inputTokens, outputTokens int64) {
	if g.ledger == nil {
		return
	}
	if outputTokens == 0 {
		outputTokens = EstimateTokensFromBytes(output)
	}
	costUSD := 0.0
	if g.cost != nil {
		costUSD = g.cost(inputTokens, outputTokens)
	}
	_ = CommitUsage(g.ledger, req.UtteranceID, g.tier, inputTokens, outputTokens, costUSD)
}

// NewFastGenerator builds the FAST tier adapter around a remote
// low-latency streaming backend.
func NewFastGenerator(backend StreamBackend, l *ledger.Ledger, cost CostEstimator) Generator {
	return &remoteGenerator{backend: backend, ledger: l, tier: router.Fast, cost: cost}
}

// NewAgentGenerator builds the AGENT tier adapter around a remote
// high-capability streaming backend. Cost may legitimately be zero (e.g.
// subscription-covered); a zero-cost UsageRecord is still written for
// observability, per spec.md §4.4.
func NewAgentGenerator(backend StreamBackend, l *ledger.Ledger, cost CostEstimator) Generator {
	return &remoteGenerator{backend: backend, ledger: l, tier: router.Agent, cost: cost}
}

// UnitCostEstimator builds a CostEstimator from per-1k-token input/output
// rates (policy.TierPolicy's unit_cost_input_per_1k/unit_cost_output_per_1k).
func UnitCostEstimator(inputPer1k, outputPer1k float64) CostEstimator {
	return func(inputTokens, outputTokens int64) float64 {
		return float64(inputTokens)/1000*inputPer1k + float64(outputTokens)/1000*outputPer1k
	}
}
