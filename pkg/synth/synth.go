// Package synth is the Streaming Synthesizer (spec.md §4.7): it turns a
// generator.TokenStream into an ordered stream of audio.AudioSegments,
// chunked at sentence boundaries (or a max character flush) so playback can
// start before the full reply has been generated.
package synth

import (
	"context"
	"strings"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
)

// Backend is the minimal contract a TTS provider must satisfy to back the
// Synthesizer. pkg/providers/tts.LokutorTTS implements it.
type Backend interface {
	Name() string
	StreamSynthesize(ctx context.Context, text, voice, lang string, onChunk func([]byte) error) error
}

// Synthesizer buffers generator tokens until a sentence terminator or
// flush_chars is reached, then synthesizes that chunk as one AudioSegment.
type Synthesizer struct {
	backend     Backend
	sampleRate  int
	flushChars  int
	terminators []string
	voice       string
	lang        string
}

// New builds a Synthesizer around a TTS backend. sampleRate is the fixed
// per-process sample rate the Controller tells callers about once at
// startup (spec.md §4.7).
func New(b Backend, sampleRate int, pol policy.SynthPolicy, voice, lang string) *Synthesizer {
	flushChars := pol.FlushChars
	if flushChars <= 0 {
		flushChars = 200
	}
	terms := pol.SentenceTerminators
	if len(terms) == 0 {
		terms = []string{".", "!", "?", ";", "\n"}
	}
	return &Synthesizer{
		backend:     b,
		sampleRate:  sampleRate,
		flushChars:  flushChars,
		terminators: terms,
		voice:       voice,
		lang:        lang,
	}
}

// Synthesize consumes a generator.TokenStream and returns a channel of
// ordered audio.AudioSegments tagged with utteranceID and a strictly
// increasing Seq. cancel stops the current synthesis job immediately; any
// segment being encoded when it fires is discarded rather than emitted.
func (s *Synthesizer) Synthesize(cancel *clock.Handle, utteranceID string, tokens generator.TokenStream) <-chan audio.AudioSegment {
	out := make(chan audio.AudioSegment, 4)

	go func() {
		defer close(out)

		var buf strings.Builder
		failed := false
		seq := 0

		emit := func(text string, final bool) bool {
			if text == "" && !final {
				return true
			}
			if failed {
				return false
			}
			var samples []byte
			err := s.backend.StreamSynthesize(cancel.Context(), text, s.voice, s.lang, func(chunk []byte) error {
				select {
				case <-cancel.Done():
					return cancel.Context().Err()
				default:
				}
				samples = append(samples, chunk...)
				return nil
			})
			if err != nil {
				failed = true
				seg := audio.AudioSegment{UtteranceID: utteranceID, Seq: seq, IsFinal: true}
				seq++
				select {
				case out <- seg:
				case <-cancel.Done():
				}
				return false
			}
			seg := audio.AudioSegment{
				UtteranceID: utteranceID,
				Seq:         seq,
				Samples:     samples,
				SampleRate:  s.sampleRate,
				IsFinal:     final,
			}
			seq++
			select {
			case out <- seg:
				return true
			case <-cancel.Done():
				return false
			}
		}

		for {
			select {
			case <-cancel.Done():
				return
			default:
			}
			select {
			case <-cancel.Done():
				return
			case tok, ok := <-tokens.Tokens:
				if !ok {
					if buf.Len() > 0 {
						emit(buf.String(), true)
					}
					return
				}
				buf.WriteString(tok.Text)
				for {
					cut := s.findBoundary(buf.String())
					if cut < 0 {
						break
					}
					chunk := buf.String()[:cut]
					rest := buf.String()[cut:]
					buf.Reset()
					buf.WriteString(rest)
					last := tok.Final && rest == ""
					if !emit(chunk, last) || last {
						return
					}
				}
				if tok.Final {
					emit(buf.String(), true)
					return
				}
			case err, ok := <-tokens.Errs:
				if ok && err != nil {
					if buf.Len() > 0 {
						emit(buf.String(), false)
					}
					seg := audio.AudioSegment{UtteranceID: utteranceID, Seq: seq, IsFinal: true}
					select {
					case out <- seg:
					case <-cancel.Done():
					}
					return
				}
			}
		}
	}()

	return out
}

// findBoundary returns the cut position of the earliest sentence terminator
// in buf, or the flush_chars position if buf has grown past it without one,
// or -1 if neither condition is met yet.
func (s *Synthesizer) findBoundary(buf string) int {
	best := -1
	for _, term := range s.terminators {
		if i := strings.Index(buf, term); i >= 0 {
			cut := i + len(term)
			if best == -1 || cut < best {
				best = cut
			}
		}
	}
	if best >= 0 {
		return best
	}
	if len(buf) >= s.flushChars {
		return s.flushChars
	}
	return -1
}
