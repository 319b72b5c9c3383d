// Package core implements the Turn Controller (spec.md §4.6): the state
// machine that wires the VAD, Streaming Transcriber, Router, Generators,
// Streaming Synthesizer, and Filler Player into one Turn per speech
// bracket, enforcing strict Turn sequencing and barge-in cancellation. It
// is the direct generalization of the teacher orchestrator's Orchestrator
// plus ManagedStream.
package core

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/filler"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
	"github.com/lokutor-ai/atlas-voice-core/pkg/synth"
	"github.com/lokutor-ai/atlas-voice-core/pkg/telemetry"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
	"github.com/lokutor-ai/atlas-voice-core/pkg/vad"
)

// Config wires every collaborator the Controller needs. Generators maps a
// router.Tier to the adapter that serves it; all three tiers must be
// present.
type Config struct {
	VAD         *vad.Detector
	Echo        *audio.EchoSuppressor // optional
	Transcriber *transcriber.Transcriber
	Router      *router.Router
	Generators  map[router.Tier]generator.Generator
	Synth       *synth.Synthesizer
	Filler      *filler.Player
	Ledger      *ledger.Ledger
	Policy      *policy.Store
	Sink        telemetry.Sink
	Logger      telemetry.Logger
	Output      audio.AudioSink
	SampleRate  int
}

// Controller runs the Turn state machine over an incoming audio.Frame
// stream for one connected session. It is not safe for concurrent PushFrame
// calls from more than one goroutine; frames from a single capture source
// must already be serialized, as the teacher's ManagedStream.Write assumes.
type Controller struct {
	cfg     Config
	history *History

	frames []audio.Frame
	cur    *Turn
}

// New builds a Controller. cfg.Generators, cfg.Synth and cfg.Router must be
// non-nil; cfg.Echo and cfg.Filler may be nil to disable those features.
func New(cfg Config) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NoOpSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoOpLogger{}
	}
	return &Controller{cfg: cfg, history: NewHistory(20)}
}

// PushFrame feeds one captured audio.Frame through the VAD, buffering
// frames for the open speech bracket and dispatching SpeechStart/SpeechEnd
// into the Turn lifecycle.
func (c *Controller) PushFrame(f audio.Frame) {
	if c.cfg.Echo != nil && c.cfg.Echo.IsEcho(f.Samples) {
		return
	}

	ev := c.cfg.VAD.OnFrame(f)
	if c.cfg.VAD.IsSpeaking() {
		c.frames = append(c.frames, f)
	}
	if ev == nil {
		return
	}

	switch ev.Type {
	case vad.SpeechStart:
		c.frames = c.frames[:0]
		c.frames = append(c.frames, f)
		c.startTurn(ev.TimestampMS)
	case vad.SpeechEnd:
		frames := c.frames
		c.frames = nil
		c.dispatchTurn(frames, ev.TimestampMS, ev.DurationMS)
	}
}

// Close force-closes any open speech bracket (EOF, spec.md §4.1), letting
// it run to completion, or else cancels whatever Turn is still in flight.
func (c *Controller) Close() {
	if ev := c.cfg.VAD.OnEOF(); ev != nil {
		frames := c.frames
		c.frames = nil
		c.dispatchTurn(frames, ev.TimestampMS, ev.DurationMS)
		return
	}
	if c.cur != nil && !c.cur.isTerminal() {
		c.cur.Cancel.Cancel("controller closed")
		c.cur.finish(StateCancelled)
	}
}

// CancelCurrent cancels whatever Turn is currently in flight, for the
// `atlasd cancel` CLI verb (spec.md §6.5). Reports false if there was
// nothing to cancel.
func (c *Controller) CancelCurrent(reason string) bool {
	if c.cur == nil || c.cur.isTerminal() {
		return false
	}
	c.cur.Cancel.Cancel(reason)
	c.cur.finish(StateCancelled)
	return true
}

// CurrentTurnID returns the ID of the Turn in flight, if any, for status
// reporting.
func (c *Controller) CurrentTurnID() (string, bool) {
	if c.cur == nil || c.cur.isTerminal() {
		return "", false
	}
	return c.cur.ID, true
}

// startTurn begins a new Turn bound to a just-confirmed speech bracket,
// barging in on whatever Turn is currently in flight.
func (c *Controller) startTurn(speechStartMS int64) *Turn {
	prev := c.cur
	turn := newTurn(uuid.NewString(), speechStartMS)
	c.cur = turn

	if prev != nil && !prev.isTerminal() {
		c.bargeIn(prev)
	}

	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnStart, UtteranceID: turn.ID})
	return turn
}

// bargeIn cancels prev's in-flight work. Per spec.md §4.6 a new speech
// bracket always wins: the previous Turn's Synthesizer/Generator/Filler
// handles all derive from prev.Cancel, so one call tears down the whole
// pipeline.
func (c *Controller) bargeIn(prev *Turn) {
	if c.cfg.Echo != nil {
		c.cfg.Echo.ClearEchoBuffer()
	}
	prev.Cancel.Cancel("barge-in")
	prev.finish(StateCancelled)
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnCancelled, UtteranceID: prev.ID, Reason: "barge-in"})
}

// dispatchTurn runs the Transcribing -> Classifying -> Dispatching ->
// Speaking pipeline for the Turn bound to this speech bracket in its own
// goroutine. It does not wait on the previous Turn: startTurn has already
// cancelled any Turn still in flight through bargeIn.
func (c *Controller) dispatchTurn(frames []audio.Frame, speechEndMS, durationMS int64) {
	turn := c.cur
	if turn == nil {
		turn = c.startTurn(speechEndMS - durationMS)
	}
	turn.SpeechEndMS = speechEndMS

	go c.runTurn(turn, frames)
}

func (c *Controller) runTurn(turn *Turn, frames []audio.Frame) {
	defer func() {
		if !turn.isTerminal() {
			turn.finish(StateDone)
		}
	}()

	pol := c.cfg.Policy.Current()

	// --- TRANSCRIBING ---
	turn.setState(StateTranscribing)
	utt, err := c.cfg.Transcriber.Transcribe(turn.Cancel.Context(), frames, turn.SpeechEndMS, totalStageTimeout(pol))
	if err != nil {
		c.cfg.Logger.Warn("transcribe failed", "utterance", turn.ID, "err", err)
		c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnCancelled, UtteranceID: turn.ID, Reason: transcribeFailureReason(err)})
		turn.finish(StateCancelled)
		return
	}
	turn.Utterance = utt
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnTranscribed, UtteranceID: turn.ID})

	// --- CLASSIFYING ---
	turn.setState(StateClassifying)
	decision := c.cfg.Router.Classify(utt, c.cfg.Ledger.BudgetState(), pol)
	turn.Decision = &decision
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnClassified, UtteranceID: turn.ID, Tier: string(decision.Tier), Category: string(decision.Category)})

	// --- DISPATCHING / SPEAKING, with one downgrade-and-retry on TTFT timeout ---
	turn.setState(StateDispatching)
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnDispatched, UtteranceID: turn.ID, Tier: string(decision.Tier)})

	var fillerCancel *clock.Handle
	if c.cfg.Filler != nil && decision.Tier != router.Local {
		fillerCancel = turn.Cancel.Child()
		defer fillerCancel.Cancel("turn finished")
		go drainFiller(c.cfg.Filler.Play(fillerCancel, turn.ID), c.cfg.Output)
	}

	tier := decision.Tier
	segs, genErr := c.generateAndSpeak(turn, tier, pol)
	if genErr != nil {
		if gerr, ok := genErr.(*generator.Error); ok && gerr.Kind == generator.TimeoutTTFT && tier != router.Local {
			tier = router.Downgrade(tier)
			c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnDegraded, UtteranceID: turn.ID, DegradedFrom: string(decision.Tier), DegradedTo: string(tier), Reason: "timeout_ttft"})
			segs, genErr = c.generateAndSpeak(turn, tier, pol)
		}
	}

	if genErr != nil {
		if fillerCancel != nil {
			fillerCancel.Cancel("generation failed")
		}
		c.speakApology(turn, pol)
		c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnCancelled, UtteranceID: turn.ID, Reason: "generation_failed"})
		turn.finish(StateCancelled)
		return
	}

	turn.setState(StateSpeaking)
	first := true
	for seg := range segs {
		if first {
			if fillerCancel != nil {
				fillerCancel.Cancel("real answer ready")
			}
			c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnFirstAudio, UtteranceID: turn.ID})
			first = false
		}
		if err := c.cfg.Output.Play(seg); err != nil {
			c.cfg.Logger.Warn("audio sink play failed", "utterance", turn.ID, "err", err)
			break
		}
		if c.cfg.Echo != nil {
			c.cfg.Echo.RecordPlayedAudio(seg.Samples)
		}
	}

	if turn.Cancel.Triggered() {
		turn.finish(StateCancelled)
		return
	}
	turn.finish(StateDone)
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnDone, UtteranceID: turn.ID, Tier: string(tier)})
}

// generateAndSpeak runs one Generator/Synthesizer pass for tier and returns
// the AudioSegment channel to play, recording usage once the stream ends.
func (c *Controller) generateAndSpeak(turn *Turn, tier router.Tier, pol *policy.Policy) (<-chan audio.AudioSegment, error) {
	gen, ok := c.cfg.Generators[tier]
	if !ok {
		return nil, &generator.Error{Kind: generator.BackendFailed}
	}

	deadlines := deadlinesFor(tier, pol)
	req := generator.GenerationRequest{
		UtteranceID: turn.ID,
		Messages:    append(c.history.Snapshot(), generator.Message{Role: "user", Content: turn.Utterance.Text}),
		Tier:        tier,
		Cancel:      turn.Cancel,
	}

	stream := gen.Generate(turn.Cancel.Context(), req, deadlines)

	gated, err := gateTTFT(stream, deadlines.TTFT, turn.Cancel.Done())
	if err != nil {
		return nil, err
	}
	c.cfg.Sink.Emit(telemetry.Event{Name: telemetry.TurnFirstToken, UtteranceID: turn.ID, Tier: string(tier)})

	c.history.Add("user", turn.Utterance.Text)
	out := c.cfg.Synth.Synthesize(turn.Cancel, turn.ID, gated)
	return out, nil
}

// gateTTFT waits for the first token or error off stream before handing it
// back to the caller, surfacing a TIMEOUT_TTFT generator.Error if neither
// arrives within ttft (spec.md §4.6's "TIMEOUT_TTFT -> downgrade one tier
// and retry once"). The Synthesizer itself only learns about backend
// failures via stream.Errs once synthesis is already underway, so this is
// the Controller's only chance to observe a slow-starting generator and
// retry on a cheaper tier before any audio has been queued.
func gateTTFT(stream generator.TokenStream, ttft time.Duration, done <-chan struct{}) (generator.TokenStream, error) {
	if ttft <= 0 {
		return stream, nil
	}
	select {
	case tok, ok := <-stream.Tokens:
		merged := make(chan generator.Token, 1)
		if ok {
			merged <- tok
		} else {
			close(merged)
			return generator.TokenStream{Tokens: merged, Errs: stream.Errs}, nil
		}
		go func() {
			defer close(merged)
			if tok.Final {
				return
			}
			for t := range stream.Tokens {
				merged <- t
			}
		}()
		return generator.TokenStream{Tokens: merged, Errs: stream.Errs}, nil
	case err, ok := <-stream.Errs:
		if ok && err != nil {
			return generator.TokenStream{}, err
		}
		return stream, nil
	case <-time.After(ttft):
		return generator.TokenStream{}, &generator.Error{Kind: generator.TimeoutTTFT}
	case <-done:
		return generator.TokenStream{}, &generator.Error{Kind: generator.TimeoutTTFT}
	}
}

// speakApology plays the configured refusal/apology phrase through the
// Synthesizer directly, when generateAndSpeak returned no stream: a missing
// generator, a TTFT timeout that persisted after the downgrade, or a
// generator error before the first token. A failure after audio has started
// ends through the Synthesizer's synthetic final segment instead and does
// not reach this path. It bypasses the Filler Player, since the apology
// is a fixed policy phrase, not a round-robin pick from the filler pool.
func (c *Controller) speakApology(turn *Turn, pol *policy.Policy) {
	phrase := pol.Persona.RefusalPhrase
	if phrase == "" {
		return
	}
	segs := c.cfg.Synth.Synthesize(turn.Cancel.Child(), turn.ID+"-apology", phraseTokenStream(phrase))
	for seg := range segs {
		_ = c.cfg.Output.Play(seg)
	}
}

// phraseTokenStream wraps a fixed phrase as a word-by-word generator.TokenStream,
// mirroring pkg/filler's identical helper, so a fixed policy phrase chunks
// at sentence boundaries exactly like a real generator's output would.
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

func deadlinesFor(tier router.Tier, pol *policy.Policy) generator.Deadlines {
	var tp policy.TierPolicy
	switch tier {
	case router.Fast:
		tp = pol.Tiers.Fast
	case router.Agent:
		tp = pol.Tiers.Agent
	default:
		tp = pol.Tiers.Local
	}
	return generator.Deadlines{
		TTFT:  time.Duration(tp.TTFTDeadlineMS) * time.Millisecond,
		Total: time.Duration(tp.TotalDeadlineMS) * time.Millisecond,
	}
}

func totalStageTimeout(pol *policy.Policy) time.Duration {
	d := time.Duration(pol.Tiers.Fast.TotalDeadlineMS) * time.Millisecond
	if d <= 0 {
		d = 6 * time.Second
	}
	return d
}

// transcribeFailureReason maps a transcriber.Error's Kind onto the
// turn.cancelled telemetry reason, so EMPTY (spec.md §8's boundary
// behavior) is distinguishable from TIMEOUT/DECODE_FAILED rather than
// collapsing all three into one generic reason.
func transcribeFailureReason(err error) string {
	var terr *transcriber.Error
	if errors.As(err, &terr) {
		return string(terr.Kind)
	}
	return "transcribe_failed"
}

// drainFiller plays filler audio until the channel closes (naturally, or
// because the Controller cancelled its handle once the real answer's first
// segment is ready).
func drainFiller(segs <-chan audio.AudioSegment, out audio.AudioSink) {
	for seg := range segs {
		_ = out.Play(seg)
	}
}
