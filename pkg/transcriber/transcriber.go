// Package transcriber implements the Streaming Transcriber (spec.md §4.2):
// it turns a bracketed span of audio.Frame values into one Utterance, in the
// same style the teacher orchestrator's STT providers are invoked from
// ManagedStream.startStreamingSTT.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
)

// ErrorKind enumerates the failure modes §4.2 names.
type ErrorKind string

const (
	Timeout      ErrorKind = "TIMEOUT"
	DecodeFailed ErrorKind = "DECODE_FAILED"
	Empty        ErrorKind = "EMPTY"
)

// Error wraps an ErrorKind with the underlying cause, if any.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcriber: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transcriber: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Utterance is the final product of a decode (spec.md §3).
type Utterance struct {
	ID               int64
	Text             string
	Confidence       float64
	ConfidenceSource string // "backend" or "default", for telemetry
	TSpeechEndMS     int64
	TTranscriptReadyMS int64
	DurationMS       int64
}

// Backend is the minimal contract an STT provider must satisfy to back a
// Transcriber; pkg/providers/stt adapts the teacher's HTTP-based providers
// to this signature. Confidence is a pointer so a backend that doesn't
// supply one can leave it nil, triggering the documented 0.5 fallback.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (text string, confidence *float64, err error)
}

const (
	headPadMS = 100
	tailPadMS = 200
)

var nextID int64

// NextID returns a process-monotonic Utterance ID, per spec.md §3's
// "id is monotonic per process".
func NextID() int64 {
	return atomic.AddInt64(&nextID, 1)
}

// Transcriber enforces the single-in-flight-decode constraint from §4.2:
// starting a new decode requires the previous one to be cancelled or
// completed first.
type Transcriber struct {
	backend Backend

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New builds a Transcriber around backend.
func New(backend Backend) *Transcriber {
	return &Transcriber{backend: backend}
}

// CancelInFlight cancels any decode currently running, if one exists.
func (t *Transcriber) CancelInFlight() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// begin claims the single in-flight slot or reports that one is already
// running.
func (t *Transcriber) begin(cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("transcriber: a decode is already in flight")
	}
	t.running = true
	t.cancel = cancel
	return nil
}

func (t *Transcriber) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.cancel = nil
}

// Transcribe decodes the bracketed frame span into an Utterance, applying
// head/tail padding and the deadline, confidence fallback, and single
// in-flight constraints from spec.md §4.2.
func (t *Transcriber) Transcribe(ctx context.Context, frames []audio.Frame, speechEndMS int64, deadline time.Duration) (*Utterance, error) {
	if len(frames) == 0 {
		return nil, &Error{Kind: Empty}
	}

	pcm, sampleRate, rawDurationMS := concatFrames(frames)
	if len(pcm) == 0 {
		return nil, &Error{Kind: Empty}
	}

	padded := pad(pcm, sampleRate, headPadMS, tailPadMS)

	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := t.begin(cancel); err != nil {
		return nil, err
	}
	defer t.end()

	text, confidence, err := t.backend.Transcribe(dctx, padded, sampleRate)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: Timeout, Err: err}
		}
		return nil, &Error{Kind: DecodeFailed, Err: err}
	}

	if text == "" {
		return nil, &Error{Kind: Empty}
	}

	conf := 0.5
	source := "default"
	if confidence != nil {
		conf = *confidence
		source = "backend"
	}

	now := time.Now().UnixMilli()
	return &Utterance{
		ID:                 NextID(),
		Text:               text,
		Confidence:         conf,
		ConfidenceSource:   source,
		TSpeechEndMS:       speechEndMS,
		TTranscriptReadyMS: now,
		DurationMS:         rawDurationMS,
	}, nil
}

// concatFrames flattens a frame span into one PCM16 buffer, reporting the
// unpadded duration in milliseconds (spec.md: "padding is not part of
// duration_ms").
func concatFrames(frames []audio.Frame) (pcm []byte, sampleRate int, durationMS int64) {
	sampleRate = frames[0].SampleRate
	total := 0
	for _, f := range frames {
		total += len(f.Samples)
	}
	pcm = make([]byte, 0, total)
	for _, f := range frames {
		pcm = append(pcm, f.Samples...)
	}
	if sampleRate > 0 {
		numSamples := len(pcm) / 2 // 16-bit mono
		durationMS = int64(numSamples) * 1000 / int64(sampleRate)
	}
	return pcm, sampleRate, durationMS
}

// pad prepends headMS and appends tailMS of silence (zeroed PCM16 samples).
func pad(pcm []byte, sampleRate int, headMS, tailMS int) []byte {
	if sampleRate <= 0 {
		return pcm
	}
	headSamples := sampleRate * headMS / 1000
	tailSamples := sampleRate * tailMS / 1000
	out := make([]byte, headSamples*2+len(pcm)+tailSamples*2)
	copy(out[headSamples*2:], pcm)
	return out
}
