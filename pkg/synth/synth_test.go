package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
)

type fakeTTSBackend struct {
	calls []string
	err   error
}

func (f *fakeTTSBackend) Name() string { return "fake-tts" }

func (f *fakeTTSBackend) StreamSynthesize(ctx context.Context, text, voice, lang string, onChunk func([]byte) error) error {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return f.err
	}
	return onChunk([]byte(text))
}

func drainSegments(t *testing.T, segs <-chan audio.AudioSegment, timeout time.Duration) []audio.AudioSegment {
	t.Helper()
	var out []audio.AudioSegment
	deadline := time.After(timeout)
	for {
		select {
		case seg, ok := <-segs:
			if !ok {
				return out
			}
			out = append(out, seg)
			if seg.IsFinal {
				return out
			}
		case <-deadline:
			t.Fatal("timed out draining audio segments")
		}
	}
}

func tokenStream(tokens []generator.Token) generator.TokenStream {
	ch := make(chan generator.Token, len(tokens))
	for _, tok := range tokens {
		ch <- tok
	}
	close(ch)
	return generator.TokenStream{Tokens: ch, Errs: make(chan error)}
}

func TestSynthesizeFlushesOnSentenceTerminator(t *testing.T) {
	backend := &fakeTTSBackend{}
	s := New(backend, 16000, policy.SynthPolicy{FlushChars: 200, SentenceTerminators: []string{"."}}, "f1", "en")

	tokens := tokenStream([]generator.Token{
		{Text: "Hello."},
		{Text: " Bye.", Final: true},
	})

	segs := drainSegments(t, s.Synthesize(clock.New(context.Background()), "u1", tokens), time.Second)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if string(segs[0].Samples) != "Hello." {
		t.Errorf("unexpected first segment: %q", segs[0].Samples)
	}
	if segs[0].Seq != 0 || segs[1].Seq != 1 {
		t.Errorf("expected strictly increasing seq, got %d then %d", segs[0].Seq, segs[1].Seq)
	}
	if segs[0].UtteranceID != "u1" || segs[1].UtteranceID != "u1" {
		t.Errorf("expected utterance id propagated, got %+v", segs)
	}
	if !segs[1].IsFinal {
		t.Errorf("expected final segment marked")
	}
	if string(segs[1].Samples) != " Bye." {
		t.Errorf("unexpected final segment: %q", segs[1].Samples)
	}
}

func TestSynthesizeFlushesOnMaxChars(t *testing.T) {
	backend := &fakeTTSBackend{}
	s := New(backend, 16000, policy.SynthPolicy{FlushChars: 5, SentenceTerminators: []string{"."}}, "f1", "en")

	tokens := tokenStream([]generator.Token{
		{Text: "abcdefgh", Final: true},
	})

	segs := drainSegments(t, s.Synthesize(clock.New(context.Background()), "u2", tokens), time.Second)
	if len(segs) < 2 {
		t.Fatalf("expected at least 2 segments from max-chars flush, got %d", len(segs))
	}
	if len(backend.calls) < 2 {
		t.Errorf("expected at least 2 backend calls, got %d", len(backend.calls))
	}
}

func TestSynthesizeBackendErrorEmitsSyntheticFinal(t *testing.T) {
	backend := &fakeTTSBackend{err: errors.New("tts down")}
	s := New(backend, 16000, policy.SynthPolicy{FlushChars: 200, SentenceTerminators: []string{"."}}, "f1", "en")

	tokens := tokenStream([]generator.Token{
		{Text: "Hello.", Final: true},
	})

	segs := drainSegments(t, s.Synthesize(clock.New(context.Background()), "u3", tokens), time.Second)
	if len(segs) != 1 {
		t.Fatalf("expected exactly 1 synthetic segment, got %d", len(segs))
	}
	if !segs[0].IsFinal || len(segs[0].Samples) != 0 {
		t.Errorf("expected empty final segment, got %+v", segs[0])
	}
}

func TestSynthesizeStopsOnCancel(t *testing.T) {
	backend := &fakeTTSBackend{}
	s := New(backend, 16000, policy.SynthPolicy{FlushChars: 200, SentenceTerminators: []string{"."}}, "f1", "en")

	handle := clock.New(context.Background())
	handle.Cancel("barge-in")

	tokens := tokenStream([]generator.Token{
		{Text: "Hello.", Final: true},
	})

	out := s.Synthesize(handle, "u4", tokens)
	select {
	case seg, ok := <-out:
		if ok {
			t.Fatalf("expected no segments after cancel, got %+v", seg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close after cancel")
	}
}
