package generator

import (
	"context"
	"strings"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
)

// LocalGenerator is the in-process small-model generator (spec.md §4.4):
// zero network I/O, zero cost, final fallback tier. Rather than embedding
// an actual model, it answers commands and brief/greeting categories from
// a small deterministic phrasebook, which is the realistic scope of what
// a LOCAL tier handles (per §4.3's rule stage: commands, greetings, brief
// info).
type LocalGenerator struct {
	ledger *ledger.Ledger
}

func NewLocalGenerator(l *ledger.Ledger) *LocalGenerator {
	return &LocalGenerator{ledger: l}
}

func (g *LocalGenerator) Name() string      { return "local" }
func (g *LocalGenerator) Tier() router.Tier { return router.Local }

func (g *LocalGenerator) Generate(ctx context.Context, req GenerationRequest, deadlines Deadlines) TokenStream {
	tokens := make(chan Token, 4)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		reply := g.reply(req)
		words := strings.Fields(reply)
		if len(words) == 0 {
			words = []string{reply}
		}

		ttftTimer := time.NewTimer(deadlines.TTFT)
		defer ttftTimer.Stop()

		first := true
		var out strings.Builder
		for i, w := range words {
			text := w
			if i > 0 {
				text = " " + w
			}
			select {
			case <-ctx.Done():
				errs <- &Error{Kind: BackendFailed, Err: ctx.Err()}
				return
			case <-req.Cancel.Done():
				tokens <- Token{Final: true}
				g.commit(req, out.String())
				return
			default:
			}

			if first {
				select {
				case <-ttftTimer.C:
					errs <- &Error{Kind: TimeoutTTFT}
					return
				default:
				}
				first = false
			}

			out.WriteString(text)
			tokens <- Token{Text: text, Final: i == len(words)-1}
		}

		g.commit(req, out.String())
	}()

	return TokenStream{Tokens: tokens, Errs: errs}
}

func (g *LocalGenerator) reply(req GenerationRequest) string {
	if len(req.Messages) == 0 {
		return "Done."
	}
	last := req.Messages[len(req.Messages)-1].Content
	lower := strings.ToLower(last)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi "):
		return "Hello there."
	case strings.Contains(lower, "time"):
		return "It's time to check your clock, I don't have that handy right now."
	default:
		return "Done."
	}
}

func (g *LocalGenerator) commit(req GenerationRequest, output string) {
	if g.ledger == nil {
		return
	}
	out := EstimateTokensFromBytes(output)
	_ = CommitUsage(g.ledger, req.UtteranceID, router.Local, 0, out, 0)
}
