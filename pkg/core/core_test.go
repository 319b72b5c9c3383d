package core

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/filler"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
	"github.com/lokutor-ai/atlas-voice-core/pkg/synth"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
	"github.com/lokutor-ai/atlas-voice-core/pkg/vad"
)

// fakeSTT always returns a fixed reply, sidestepping any real decode.
type fakeSTT struct {
	text string
}

func (f fakeSTT) Name() string { return "fake-stt" }
func (f fakeSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
	return f.text, nil, nil
}

// fakeTTS turns text into itself as "samples", so assertions can read back
// what was spoken without decoding real audio.
type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }
func (fakeTTS) StreamSynthesize(ctx context.Context, text, voice, lang string, onChunk func([]byte) error) error {
	return onChunk([]byte(text))
}

// fakeGenerator replies with a fixed word list. perTokenDelay, if set, is
// slept before each token (including the first), letting a test simulate a
// slow-but-not-TTFT-timing-out stream without tripping the TTFT gate.
type fakeGenerator struct {
	tier          router.Tier
	words         []string
	perTokenDelay time.Duration
}

func (g *fakeGenerator) Name() string      { return "fake-" + string(g.tier) }
func (g *fakeGenerator) Tier() router.Tier { return g.tier }
func (g *fakeGenerator) Generate(ctx context.Context, req generator.GenerationRequest, deadlines generator.Deadlines) generator.TokenStream {
	tokens := make(chan generator.Token, len(g.words)+1)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		for i, w := range g.words {
			if g.perTokenDelay > 0 {
				time.Sleep(g.perTokenDelay)
			}
			text := w
			if i > 0 {
				text = " " + w
			}
			select {
			case <-req.Cancel.Done():
				return
			default:
			}
			tokens <- generator.Token{Text: text, Final: i == len(g.words)-1}
		}
	}()
	return generator.TokenStream{Tokens: tokens, Errs: errs}
}

// collectingOutput records every played segment's text.
type collectingOutput struct {
	mu     sync.Mutex
	played []string
}

func newCollectingOutput() *collectingOutput {
	return &collectingOutput{}
}

func (o *collectingOutput) Play(seg audio.AudioSegment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.played = append(o.played, string(seg.Samples))
	return nil
}

func (o *collectingOutput) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.played))
	copy(out, o.played)
	return out
}

func testPolicy() *policy.Policy {
	p := policy.Default()
	p.Tiers.Local = policy.TierPolicy{TTFTDeadlineMS: 200, TotalDeadlineMS: 1000}
	p.Tiers.Fast = policy.TierPolicy{TTFTDeadlineMS: 200, TotalDeadlineMS: 1000}
	p.Tiers.Agent = policy.TierPolicy{TTFTDeadlineMS: 200, TotalDeadlineMS: 1000}
	return p
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), 20, 2, 0.8, 1.0)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestController(t *testing.T, replyWords []string) (*Controller, *collectingOutput) {
	t.Helper()
	pol := testPolicy()
	l := testLedger(t)
	out := newCollectingOutput()

	s := synth.New(fakeTTS{}, 16000, pol.Synth, "f1", "en")
	gens := map[router.Tier]generator.Generator{
		router.Local: &fakeGenerator{tier: router.Local, words: replyWords},
		router.Fast:  &fakeGenerator{tier: router.Fast, words: replyWords},
		router.Agent: &fakeGenerator{tier: router.Agent, words: replyWords},
	}

	c := New(Config{
		VAD:         vad.New(vad.Config{MinSpeechMS: 0, MinSilenceMS: 0, SpeechPadMS: 0, Threshold: 0.1}),
		Transcriber: transcriber.New(fakeSTT{text: "hello there"}),
		Router:      router.New(nil, nil),
		Generators:  gens,
		Synth:       s,
		Filler:      filler.New(s, pol.Filler.Phrases),
		Ledger:      l,
		Policy:      policy.NewStore("", pol),
		Output:      out,
	})
	return c, out
}

func speechFrame(energy int16, tsMS int64) audio.Frame {
	samples := make([]byte, 320)
	for i := 0; i+1 < len(samples); i += 2 {
		samples[i] = byte(energy)
		samples[i+1] = byte(energy >> 8)
	}
	return audio.Frame{Samples: samples, SampleRate: 16000, TimestampMS: tsMS}
}

func silenceFrame(tsMS int64) audio.Frame {
	return audio.Frame{Samples: make([]byte, 320), SampleRate: 16000, TimestampMS: tsMS}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestControllerRunsOneTurnToCompletion(t *testing.T) {
	c, out := newTestController(t, []string{"Hi."})

	for ms := int64(0); ms < 300; ms += 20 {
		c.PushFrame(speechFrame(20000, ms))
	}
	for ms := int64(300); ms < 900; ms += 20 {
		c.PushFrame(silenceFrame(ms))
	}

	waitFor(t, func() bool {
		return c.cur != nil && c.cur.State() == StateDone
	})

	played := out.snapshot()
	if len(played) == 0 {
		t.Fatal("expected at least one played segment")
	}
	joined := strings.Join(played, "")
	if !strings.Contains(joined, "Hi.") {
		t.Errorf("expected the generated reply to be spoken, got %q", joined)
	}
}

func TestControllerBargeInCancelsPreviousTurn(t *testing.T) {
	c, _ := newTestController(t, []string{"This", " is", " a", " slow", " reply."})
	c.cfg.Generators[router.Local] = &fakeGenerator{tier: router.Local, words: []string{"slow", "reply", "still", "going"}, perTokenDelay: 40 * time.Millisecond}

	for ms := int64(0); ms < 300; ms += 20 {
		c.PushFrame(speechFrame(20000, ms))
	}
	for ms := int64(300); ms < 900; ms += 20 {
		c.PushFrame(silenceFrame(ms))
	}

	waitFor(t, func() bool {
		if c.cur == nil {
			return false
		}
		s := c.cur.State()
		return s == StateTranscribing || s == StateDispatching || s == StateSpeaking
	})
	first := c.cur

	for ms := int64(900); ms < 1200; ms += 20 {
		c.PushFrame(speechFrame(20000, ms))
	}

	waitFor(t, func() bool { return first.State() == StateCancelled })
	if c.cur == first {
		t.Fatal("expected barge-in to install a new current Turn")
	}
}

func TestControllerClosePendingBracketForceEnds(t *testing.T) {
	c, out := newTestController(t, []string{"Done."})

	for ms := int64(0); ms < 300; ms += 20 {
		c.PushFrame(speechFrame(20000, ms))
	}
	if c.cur == nil {
		t.Fatal("expected a Turn to exist once speech was confirmed")
	}
	turn := c.cur

	c.Close()

	waitFor(t, func() bool { return turn.isTerminal() })

	played := out.snapshot()
	if len(played) == 0 {
		t.Fatal("expected the Turn force-ended by Close to still speak its reply")
	}
}
