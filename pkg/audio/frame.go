// Package audio holds the fixed-size PCM frame type and the external
// capture/playback collaborator interfaces the core consumes. Per spec.md
// §1, OS-level audio capture/playback is out of scope; only the contract is
// specified here.
package audio

import "context"

// Frame is an immutable, fixed-length PCM16 buffer with a sample rate and a
// monotonic capture timestamp. Ownership is single-consumer: once handed to
// a reader (VAD, then STT within a speech bracket), no other stage may read
// the same Frame concurrently.
type Frame struct {
	Samples    []byte
	SampleRate int
	TimestampMS int64
}

// FrameSource produces Frames from an external capture handle until EOF or
// cancellation. Implementations must deliver frames in monotonic timestamp
// order.
type FrameSource interface {
	// Next blocks for the next Frame, returns io.EOF when the source is
	// exhausted, or ctx.Err() when ctx is done.
	Next(ctx context.Context) (Frame, error)
}
