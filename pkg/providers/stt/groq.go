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

// GroqSTT hits Groq's OpenAI-compatible Whisper endpoint for low-latency
// LOCAL/FAST tier decodes.
type GroqSTT struct {
	apiKey   string
	url      string
	model    string
	language string
}

func NewGroqSTT(apiKey, model, language string) *GroqSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &GroqSTT{
		apiKey:   apiKey,
		url:      "https://api.groq.com/openai/v1/audio/transcriptions",
		model:    model,
		language: language,
	}
}

func (s *GroqSTT) Name() string { return "groq-stt" }

func (s *GroqSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
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
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
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
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", nil, fmt.Errorf("groq stt error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}
	return result.Text, nil, nil
}
