// Package filler is the Filler Player (spec.md §4.8): a short neutral
// phrase spoken through the Streaming Synthesizer to mask latency while a
// non-LOCAL tier generates its real answer.
package filler

import (
	"strings"
	"sync/atomic"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/synth"
)

// Player plays one phrase from a fixed pool through a Synthesizer. It
// writes no UsageRecord: filler audio is free, per spec.md §4.8.
type Player struct {
	synthesizer *synth.Synthesizer
	phrases     []string
	next        uint64
}

// New builds a Player around the Synthesizer it will use for playback and
// the pool of neutral phrases (policy.Filler.Phrases).
func New(s *synth.Synthesizer, phrases []string) *Player {
	return &Player{synthesizer: s, phrases: phrases}
}

// Play starts synthesizing one pooled phrase, round-robin across the pool,
// bound to its own low-priority cancel handle. The Turn Controller is
// responsible for cancelling handle as soon as the real answer's first
// audio segment is ready (spec.md §4.6). The Synthesizer also checks handle
// while a segment is being encoded and drops that segment, so a cancelled
// filler ends after its last completed segment; the sentence in progress is
// cut off, not finished.
func (p *Player) Play(handle *clock.Handle, utteranceID string) <-chan audio.AudioSegment {
	phrase := p.pick()
	if phrase == "" {
		out := make(chan audio.AudioSegment)
		close(out)
		return out
	}
	return p.synthesizer.Synthesize(handle, utteranceID+"-filler", phraseTokenStream(phrase))
}

func (p *Player) pick() string {
	if len(p.phrases) == 0 {
		return ""
	}
	i := atomic.AddUint64(&p.next, 1) - 1
	return p.phrases[i%uint64(len(p.phrases))]
}

// phraseTokenStream wraps a fixed phrase as a word-by-word generator.TokenStream,
// the same shape LocalGenerator produces, so the Synthesizer can chunk it at
// sentence boundaries exactly as it would a real generator's output.
func phraseTokenStream(text string) generator.TokenStream {
	words := strings.Fields(text)
	tokens := make(chan generator.Token, len(words))
	for i, w := range words {
		out := w
		if i > 0 {
			out = " " + w
		}
		tokens <- generator.Token{Text: out, Final: i == len(words)-1}
	}
	close(tokens)
	errs := make(chan error)
	close(errs)
	return generator.TokenStream{Tokens: tokens, Errs: errs}
}
