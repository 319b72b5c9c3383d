package audio

// AudioSegment is one ordered chunk of synthesized PCM16 audio produced by
// the Streaming Synthesizer (spec.md §4.7, data model). Seq is strictly
// increasing per utterance; the final segment of a synthesis job, real or
// synthetic, has IsFinal set.
type AudioSegment struct {
	UtteranceID string
	Seq         int
	Samples     []byte
	SampleRate  int
	IsFinal     bool
}

// AudioSink is the playback collaborator the Turn Controller and Filler
// Player hand AudioSegments to, in order. Actual speaker output is out of
// scope; only the contract is specified here, mirroring FrameSource on the
// capture side.
type AudioSink interface {
	Play(seg AudioSegment) error
}
