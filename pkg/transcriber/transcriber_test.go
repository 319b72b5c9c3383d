package transcriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
)

type fakeBackend struct {
	mu       sync.Mutex
	delay    time.Duration
	text     string
	confPtr  *float64
	err      error
	gotBytes int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
	f.mu.Lock()
	f.gotBytes = len(pcm)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return f.text, f.confPtr, nil
}

func framesOf(samples int, sampleRate int) []audio.Frame {
	return []audio.Frame{{Samples: make([]byte, samples*2), SampleRate: sampleRate, TimestampMS: 0}}
}

func TestTranscribeHappyPathDefaultConfidence(t *testing.T) {
	backend := &fakeBackend{text: "turn the lights on"}
	tr := New(backend)

	u, err := tr.Transcribe(context.Background(), framesOf(1600, 16000), 1000, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Text != "turn the lights on" {
		t.Fatalf("unexpected text: %q", u.Text)
	}
	if u.Confidence != 0.5 || u.ConfidenceSource != "default" {
		t.Fatalf("expected default 0.5 confidence fallback, got %v/%s", u.Confidence, u.ConfidenceSource)
	}
	if u.DurationMS != 100 {
		t.Fatalf("expected 100ms raw duration (1600 samples @ 16kHz), got %d", u.DurationMS)
	}
	if backend.gotBytes <= len(make([]byte, 1600*2)) {
		t.Fatalf("expected padded buffer to be larger than raw input, got %d bytes", backend.gotBytes)
	}
}

func TestTranscribeUsesBackendConfidenceWhenPresent(t *testing.T) {
	conf := 0.87
	backend := &fakeBackend{text: "hello", confPtr: &conf}
	tr := New(backend)

	u, err := tr.Transcribe(context.Background(), framesOf(800, 16000), 500, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Confidence != 0.87 || u.ConfidenceSource != "backend" {
		t.Fatalf("expected backend confidence to be used, got %v/%s", u.Confidence, u.ConfidenceSource)
	}
}

func TestTranscribeEmptyFramesYieldsEmptyError(t *testing.T) {
	tr := New(&fakeBackend{text: "unused"})
	_, err := tr.Transcribe(context.Background(), nil, 0, time.Second)
	var tErr *Error
	if !errors.As(err, &tErr) || tErr.Kind != Empty {
		t.Fatalf("expected Empty error, got %v", err)
	}
}

func TestTranscribeEmptyTextYieldsEmptyError(t *testing.T) {
	tr := New(&fakeBackend{text: ""})
	_, err := tr.Transcribe(context.Background(), framesOf(100, 16000), 0, time.Second)
	var tErr *Error
	if !errors.As(err, &tErr) || tErr.Kind != Empty {
		t.Fatalf("expected Empty error for blank transcript, got %v", err)
	}
}

func TestTranscribeDeadlineExceededYieldsTimeout(t *testing.T) {
	tr := New(&fakeBackend{text: "too slow", delay: 50 * time.Millisecond})
	_, err := tr.Transcribe(context.Background(), framesOf(100, 16000), 0, 5*time.Millisecond)
	var tErr *Error
	if !errors.As(err, &tErr) || tErr.Kind != Timeout {
		t.Fatalf("expected Timeout error, got %v", err)
	}
}

func TestTranscribeBackendErrorYieldsDecodeFailed(t *testing.T) {
	tr := New(&fakeBackend{err: errors.New("boom")})
	_, err := tr.Transcribe(context.Background(), framesOf(100, 16000), 0, time.Second)
	var tErr *Error
	if !errors.As(err, &tErr) || tErr.Kind != DecodeFailed {
		t.Fatalf("expected DecodeFailed error, got %v", err)
	}
}

func TestTranscribeRejectsConcurrentDecode(t *testing.T) {
	backend := &fakeBackend{text: "slow one", delay: 100 * time.Millisecond}
	tr := New(backend)

	done := make(chan struct{})
	go func() {
		tr.Transcribe(context.Background(), framesOf(100, 16000), 0, time.Second)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := tr.Transcribe(context.Background(), framesOf(100, 16000), 0, time.Second)
	if err == nil {
		t.Fatal("expected error starting a second decode while one is in flight")
	}
	<-done
}

func TestNextIDIsMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	if b <= a {
		t.Fatalf("expected monotonic IDs, got %d then %d", a, b)
	}
}
