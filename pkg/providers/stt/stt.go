// Package stt adapts HTTP-based speech-to-text providers to
// pkg/transcriber.Backend, following the teacher orchestrator's provider
// layer (plain net/http JSON/multipart calls, no vendor SDKs).
package stt

import "github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"

var (
	_ transcriber.Backend = (*OpenAISTT)(nil)
	_ transcriber.Backend = (*GroqSTT)(nil)
	_ transcriber.Backend = (*DeepgramSTT)(nil)
	_ transcriber.Backend = (*AssemblyAISTT)(nil)
)
