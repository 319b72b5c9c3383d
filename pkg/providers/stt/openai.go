package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
)

// OpenAISTT calls the OpenAI Whisper transcription endpoint over plain
// net/http, the way the teacher orchestrator's providers do for every LLM
// and STT backend rather than pulling in a vendor SDK.
type OpenAISTT struct {
	apiKey   string
	url      string
	model    string
	language string
}

func NewOpenAISTT(apiKey, model, language string) *OpenAISTT {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAISTT{
		apiKey:   apiKey,
		url:      "https://api.openai.com/v1/audio/transcriptions",
		model:    model,
		language: language,
	}
}

func (s *OpenAISTT) Name() string { return "openai_stt" }

// Transcribe satisfies pkg/transcriber.Backend. OpenAI's transcriptions
// endpoint does not return a confidence score, so confidence is always nil
// and the transcriber falls back to its documented default.
func (s *OpenAISTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
	wavData := audio.NewWavBuffer(pcm, sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", nil, err
	}
	if s.language != "" {
		if err := writer.WriteField("language", s.language); err != nil {
			return "", nil, err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", nil, err
	}
	if err := writer.Close(); err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, body)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("openai stt error: %s (status %d)", string(respBody), resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}
	return result.Text, nil, nil
}
