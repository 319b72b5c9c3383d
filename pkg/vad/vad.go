// Package vad implements the Voice Activity Detector (spec.md §4.1): it
// turns a Frame stream into coarse speech brackets using RMS-energy
// hysteresis, generalizing the teacher's RMSVAD from a fixed confirmed-frame
// counter to the configurable millisecond-based thresholds the spec calls
// for.
package vad

import (
	"math"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
)

// EventType distinguishes the two alternating events a bracket produces.
type EventType string

const (
	SpeechStart EventType = "SPEECH_START"
	SpeechEnd   EventType = "SPEECH_END"
)

// Event is the tagged VADEvent value from the data model: SpeechStart{t} or
// SpeechEnd{t, duration_ms}.
type Event struct {
	Type       EventType
	TimestampMS int64
	// DurationMS is populated only on SpeechEnd: the length of the speech
	// bracket, padded per Config.SpeechPadMS on both sides.
	DurationMS int64
}

// Config holds the hysteresis parameters from spec.md §6.3.
type Config struct {
	MinSpeechMS  int64   // default 250
	MinSilenceMS int64   // default 400
	SpeechPadMS  int64   // default 100
	Threshold    float64 // default 0.5, compared against a normalized RMS energy
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinSpeechMS:  250,
		MinSilenceMS: 400,
		SpeechPadMS:  100,
		Threshold:    0.5,
	}
}

// Detector is a stateful, single-stream Voice Activity Detector. It is not
// safe for concurrent use by more than one reader; the Turn Controller owns
// exactly one Detector, the one its Config supplies. Clone gives another
// stream its own Detector with the same configuration.
type Detector struct {
	cfg Config

	speaking bool

	// aboveSince/belowSince track how long the energy has continuously been
	// on one side of the threshold, to implement the MinSpeechMS/MinSilenceMS
	// hysteresis windows.
	aboveSinceMS int64
	belowSinceMS int64
	haveAbove    bool
	haveBelow    bool

	speechStartMS int64 // timestamp of the (unpadded) speech onset, once confirmed
	lastFrameMS   int64

	lastEnergy float64
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Clone returns an independent Detector with the same configuration but
// fresh internal state, for a new stream/Turn lifetime.
func (d *Detector) Clone() *Detector {
	return New(d.cfg)
}

// Reset clears all bracket-tracking state without discarding configuration.
// Used when an impossible VAD sequence is observed (spec.md §4.6 edge case).
func (d *Detector) Reset() {
	d.speaking = false
	d.haveAbove = false
	d.haveBelow = false
	d.aboveSinceMS = 0
	d.belowSinceMS = 0
	d.speechStartMS = 0
}

// IsSpeaking reports the detector's current confirmed-speech state.
func (d *Detector) IsSpeaking() bool {
	return d.speaking
}

// LastEnergy returns the normalized RMS energy of the last processed frame.
func (d *Detector) LastEnergy() float64 {
	return d.lastEnergy
}

// OnFrame feeds one Frame to the detector and returns an Event if the
// hysteresis state machine fires one. On internal error the caller should
// (per spec.md §4.1 Failure) treat the frame as non-speech and keep going;
// OnFrame itself never returns an error — energy computation on malformed
// PCM degrades to zero energy rather than panicking.
func (d *Detector) OnFrame(f audio.Frame) *Event {
	energy := rmsEnergy(f.Samples)
	d.lastEnergy = energy
	d.lastFrameMS = f.TimestampMS

	above := energy > d.cfg.Threshold

	if above {
		if !d.haveAbove {
			d.haveAbove = true
			d.aboveSinceMS = f.TimestampMS
		}
		d.haveBelow = false

		if !d.speaking && f.TimestampMS-d.aboveSinceMS >= d.cfg.MinSpeechMS {
			d.speaking = true
			d.speechStartMS = d.aboveSinceMS
			return &Event{Type: SpeechStart, TimestampMS: d.paddedStart()}
		}
		return nil
	}

	// below threshold
	d.haveAbove = false
	if !d.speaking {
		return nil
	}

	if !d.haveBelow {
		d.haveBelow = true
		d.belowSinceMS = f.TimestampMS
	}

	if f.TimestampMS-d.belowSinceMS >= d.cfg.MinSilenceMS {
		return d.endBracket(d.belowSinceMS)
	}
	return nil
}

// OnEOF must be called when the frame stream ends. If a bracket is open it
// is force-closed with a SpeechEnd at the last observed frame timestamp,
// matching the spec's EOF requirement.
func (d *Detector) OnEOF() *Event {
	if !d.speaking {
		return nil
	}
	return d.endBracket(d.lastFrameMS)
}

func (d *Detector) endBracket(endMS int64) *Event {
	d.speaking = false
	d.haveBelow = false
	startPadded := d.paddedStartFrom(d.speechStartMS)
	endPadded := endMS + d.cfg.SpeechPadMS
	duration := endPadded - startPadded
	if duration < 0 {
		duration = 0
	}
	return &Event{Type: SpeechEnd, TimestampMS: endPadded, DurationMS: duration}
}

func (d *Detector) paddedStart() int64 {
	return d.paddedStartFrom(d.speechStartMS)
}

func (d *Detector) paddedStartFrom(startMS int64) int64 {
	padded := startMS - d.cfg.SpeechPadMS
	if padded < 0 {
		padded = 0
	}
	return padded
}

// rmsEnergy computes a normalized (0..~1 for full-scale PCM16) RMS energy
// for a little-endian 16-bit mono PCM buffer.
func rmsEnergy(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
