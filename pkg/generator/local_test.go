package generator

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
)

func drain(t *testing.T, ts TokenStream, timeout time.Duration) (string, error) {
	t.Helper()
	var out string
	deadline := time.After(timeout)
	for {
		select {
		case tok, ok := <-ts.Tokens:
			if !ok {
				return out, nil
			}
			out += tok.Text
			if tok.Final {
				return out, nil
			}
		case err := <-ts.Errs:
			if err != nil {
				return out, err
			}
		case <-deadline:
			t.Fatal("timed out draining token stream")
		}
	}
}

func TestLocalGeneratorGreeting(t *testing.T) {
	g := NewLocalGenerator(nil)
	handle := clock.New(context.Background())

	req := GenerationRequest{
		UtteranceID: "u1",
		Messages:    []Message{{Role: "user", Content: "hello there"}},
		Tier:        g.Tier(),
		Cancel:      handle,
	}
	out, err := drain(t, g.Generate(context.Background(), req, Deadlines{TTFT: time.Second, Total: time.Second}), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Hello there." {
		t.Fatalf("unexpected reply: %q", out)
	}
}

func TestLocalGeneratorStopsOnCancel(t *testing.T) {
	g := NewLocalGenerator(nil)
	handle := clock.New(context.Background())
	handle.Cancel("barge-in")

	req := GenerationRequest{
		UtteranceID: "u2",
		Messages:    []Message{{Role: "user", Content: "turn off the lights"}},
		Tier:        g.Tier(),
		Cancel:      handle,
	}
	_, err := drain(t, g.Generate(context.Background(), req, Deadlines{TTFT: time.Second, Total: time.Second}), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
