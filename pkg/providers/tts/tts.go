package tts

import "github.com/lokutor-ai/atlas-voice-core/pkg/synth"

var _ synth.Backend = (*LokutorTTS)(nil)
